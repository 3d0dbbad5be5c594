package heartbeat

import "errors"

var ErrBufferTooSmall = errors.New("heartbeat: buffer too small for requested capacity")
