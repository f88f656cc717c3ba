// Package domain defines the core types shared by the validation engine and the
// request firewall.
//
// This package has ZERO external dependencies outside the Go standard library.
// It holds the request/response abstractions the firewall inspects and the
// error taxonomy every check reports through:
//
//	validation     input failed a whitelist or domain rule
//	configuration  a validation type or limit is missing (deployment bug)
//	intrusion      input is evidence of an active attack
//	availability   a resource limit was reached while reading input
//	access_control a reference lookup the caller may not perform
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
