package protocol

import "errors"

var (
	// ErrInvalidParams indicates a malformed protocol object, such as a
	// namespace map whose chains are not valid CAIP-2 identifiers.
	ErrInvalidParams = errors.New("invalid params")

	// ErrNamespaceMismatch indicates approved namespaces that do not
	// satisfy the proposer's required namespaces.
	ErrNamespaceMismatch = errors.New("approved namespaces do not satisfy required namespaces")
)
