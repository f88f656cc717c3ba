// Package firewall evaluates an ordered list of rules against an inbound
// request and resolves their actions into a single verdict.
//
// Every rule runs, in order, so each violation is audited. The first rule
// returning a necessary action (block or redirect) decides the verdict;
// necessary actions from later rules are marked suppressed and logged but
// never applied. Rules after the deciding one cannot set response headers.
// A rule that panics is recovered and resolved by the
// configured failure posture.
package firewall
