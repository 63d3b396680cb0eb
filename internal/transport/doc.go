// Package transport defines the contract every wire protocol implements and
// the registry that maps URI schemes to implementations.
//
// Errors returned by a Transporter are classified with the sentinels in this
// package. A send that fails with ErrConnectivity may be retried by the
// dispatch layer; ErrTransport and ErrValidation are final.
//
// Concrete protocols live in sub-packages and are wired into a Registry by
// the builtin package.
package transport
