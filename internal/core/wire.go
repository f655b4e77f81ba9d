package core

import "github.com/google/wire"

// AppSet provides the relay server and the App around it.
var AppSet = wire.NewSet(NewRelayServer, NewApp)
