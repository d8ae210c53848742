// Package secretprov re-exports the four symbols the original RA-TLS
// shared object ships alongside the verification callback
// (StartServer, Read, Write, Close) for secret provisioning over the
// attested channel. Secret provisioning is out of scope for this module;
// these are pass-through stubs so a binary built against this package can
// still present the expected surface.
package secretprov

import "errors"

// ErrNotImplemented is returned by every function in this package.
var ErrNotImplemented = errors.New("secretprov: not implemented in this build")

// StartServer would start the secret-provisioning server side.
func StartServer(string, string) error { return ErrNotImplemented }

// Read would read a provisioned secret by name.
func Read(string) ([]byte, error) { return nil, ErrNotImplemented }

// Write would write a secret to the provisioning channel.
func Write(string, []byte) error { return ErrNotImplemented }

// Close would tear down the provisioning channel.
func Close() error { return ErrNotImplemented }
