package clientpeer

import "errors"

var errTableFull = errors.New("clientpeer: tunnel table is full")
