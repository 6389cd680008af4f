package transport

import (
	"github.com/luma/kvlink/storage"
	"go.uber.org/zap"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on, 0 picks a free port. See TCP.Addr()
	Port int

	// Reuseport controls setting SO_REUSEPORT on the listener
	Reuseport bool

	// Trace will log every payload read and written. This is only useful in local debugging
	Trace bool

	// Password, when set, must be presented with AUTH before any other
	// command. Username is optional and defaults to "default".
	Username string
	Password string

	Store storage.Store

	Log *zap.Logger
}
