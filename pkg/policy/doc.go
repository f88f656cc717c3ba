// Package policy embeds the Open Policy Agent engine so deployments can add
// firewall rules written in Rego, and defines the fail-open / fail-closed
// postures applied when a rule cannot reach a decision.
//
// Rego modules see the request as input (remote address, parameters, headers
// and cookies, all canonicalized by the caller) and return a decision object
// such as {"action": "block", "reason": "..."}. The package is decoupled from
// HTTP so policies can be tested and hot-reloaded on their own.
package policy
