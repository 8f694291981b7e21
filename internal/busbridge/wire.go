package busbridge

import "encoding/json"

// Command codes. Stable: worked examples elsewhere rely on these exact
// values.
const (
	cmdError                = 1
	cmdReply                = 2
	cmdNewConnection        = 10
	cmdCloseConnection      = 11
	cmdNewProxy             = 20
	cmdCloseProxy           = 21
	cmdCallMethod           = 22
	cmdCallMethodReturn     = 23
	cmdProxySignal          = 30
	cmdProxyPropsChanged    = 31
	cmdRegisterObject       = 40
	cmdUnregisterObject     = 41
	cmdObjectMethodCall     = 42
	cmdObjectMethodResponse = 43
	cmdEmitSignal           = 44
	cmdOwnName              = 50
	cmdUnownName            = 51
	cmdNameAcquired         = 52
	cmdNameLost             = 53
	cmdConnectionLost       = 54
)

// Wire error codes.
const (
	errInvalidData   = 1
	errInvalidHandle = 2
	errNotConnected  = 3
	errBusError      = 4
	errTimeout       = 5
	errCancelled     = 6
)

// frame is one decoded `[cmd, serial, subject, args]` wire message.
type frame struct {
	Cmd     int
	Serial  uint32
	Subject uint32
	Args    []json.RawMessage
}

func decodeFrame(data []byte) (frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return frame{}, err
	}
	if len(raw) != 4 {
		return frame{}, errMalformed
	}

	var f frame
	if err := json.Unmarshal(raw[0], &f.Cmd); err != nil {
		return frame{}, errMalformed
	}
	if err := json.Unmarshal(raw[1], &f.Serial); err != nil {
		return frame{}, errMalformed
	}
	if err := json.Unmarshal(raw[2], &f.Subject); err != nil {
		return frame{}, errMalformed
	}
	if err := json.Unmarshal(raw[3], &f.Args); err != nil {
		return frame{}, errMalformed
	}
	return f, nil
}

func encodeFrame(cmd int, serial, subject uint32, args []interface{}) []byte {
	if args == nil {
		args = []interface{}{}
	}
	b, err := json.Marshal([]interface{}{cmd, serial, subject, args})
	if err != nil {
		// args are always json-marshalable primitives/maps built by this
		// package; a marshal failure here is a programming error.
		panic(err)
	}
	return b
}

// replyFrame and errorFrame echo the request's own serial into the
// reply's serial slot: a request with serial 42 gets back [2, 42, 0,
// [...]], not [2, 0, 42, [...]]. Subject is unused for these two
// commands.
func replyFrame(requestSerial uint32, args []interface{}) []byte {
	return encodeFrame(cmdReply, requestSerial, 0, args)
}

func errorFrame(requestSerial uint32, code int, message string) []byte {
	return encodeFrame(cmdError, requestSerial, 0, []interface{}{code, message})
}
