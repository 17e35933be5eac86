package errors

import sterrors "errors"

var (
	ErrMethodRequired        = sterrors.New("rpcmesh: method is required")
	ErrInvalidMethod         = sterrors.New("rpcmesh: method must be in the form service.endpoint")
	ErrHandlerRequired       = sterrors.New("rpcmesh: handler function is required")
	ErrConnectionRequired    = sterrors.New("rpcmesh: broker connection is required")
	ErrResolverRequired      = sterrors.New("rpcmesh: resolver is required for SRV connections")
	ErrSenderRequired        = sterrors.New("rpcmesh: sender is required")
	ErrServiceRequired       = sterrors.New("rpcmesh: service name is required")
	ErrUnknownAction         = sterrors.New("rpcmesh: unknown registration action")
	ErrMiddlewareRegistered  = sterrors.New("rpcmesh: remote middleware already registered")
	ErrTerminalDisconnect    = sterrors.New("rpcmesh: broker connection lost")
	ErrEmptyResponse         = sterrors.New("rpcmesh: empty response")
	ErrRoomSignerRequired    = sterrors.New("rpcmesh: room signer is required")
	ErrUnexpectedBrokerReply = sterrors.New("rpcmesh: unexpected broker reply")
)
