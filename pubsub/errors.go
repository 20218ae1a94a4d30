package pubsub

import "errors"

// Configuration errors: reject the mutating call, never transition state.
var (
	ErrGroupFrozen             = errors.New("pubsub: group is frozen")
	ErrIncompatibleConfig      = errors.New("pubsub: configuration incompatible with requested rtLevel")
	ErrTransportProfileUnsupp  = errors.New("pubsub: unsupported transport profile uri")
	ErrUnknownHandle           = errors.New("pubsub: unknown component handle")
	ErrNilArgument             = errors.New("pubsub: nil argument")
	ErrNameExists              = errors.New("pubsub: name already exists")
	ErrNotFound                = errors.New("pubsub: not found")
	ErrInvalidParameter        = errors.New("pubsub: invalid parameter")
	ErrPublishedDataSetInUse   = errors.New("pubsub: published data set still referenced by a writer")
	ErrDataSetFieldNoValueSrc  = errors.New("pubsub: fast-path field has no external value source")
	ErrDataSetFieldSizeUnknown = errors.New("pubsub: field has no statically known size")
	ErrInvalidStateTransition  = errors.New("pubsub: invalid state transition")
)

// Transport errors.
var (
	ErrTransportUnavailable = errors.New("pubsub: transport unavailable")
	ErrMsgTooLarge          = errors.New("pubsub: message exceeds mtu")
)

// Security errors.
var (
	ErrKeyNotAvailable  = errors.New("pubsub: security key not available")
	ErrSignatureInvalid = errors.New("pubsub: signature verification failed")
)
