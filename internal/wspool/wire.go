package wspool

// Wire-level contracts for the exchange WebSocket. Field names
// follow the exchange's own wire vocabulary (short keys like p/v/T/t for
// trade prints), not Go naming conventions — this boundary layer exists
// precisely to translate that wire shape into the domain types everything
// else in the engine consumes.

// subscribeFrame is the client->server subscription request.
type subscribeFrame struct {
	Method string         `json:"method"`
	Param  subscribeParam `json:"param"`
}

type subscribeParam struct {
	Symbol string `json:"symbol"`
	Limit  int    `json:"limit,omitempty"`
}

// pingFrame is the client->server keepalive.
type pingFrame struct {
	Method string   `json:"method"`
	Param  struct{} `json:"param"`
}

// envelope is peeked at first to route every inbound frame without fully
// decoding it twice.
type envelope struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

// subscriptionAck is the server's response to a subscribeFrame.
type subscriptionAck struct {
	Channel string `json:"channel"` // "rs.sub.<channel>"
	Data    string `json:"data"`    // "success" or an error string
	Symbol  string `json:"symbol"`
}

// dealFrame carries one or more trade prints (push.deal).
type dealFrame struct {
	Channel string     `json:"channel"`
	Symbol  string     `json:"symbol"`
	Data    []dealItem `json:"data"`
}

type dealItem struct {
	P  string `json:"p"` // price
	V  string `json:"v"` // volume
	T  string `json:"T"` // side
	T2 int64  `json:"t"` // timestamp_ms
}

// depthFrame carries a full snapshot or an incremental delta
// (push.depth.full / push.depth).
type depthFrame struct {
	Channel string         `json:"channel"`
	Symbol  string         `json:"symbol"`
	Data    depthFrameData `json:"data"`
}

type depthFrameData struct {
	Bids    [][2]string `json:"bids"`
	Asks    [][2]string `json:"asks"`
	Version int64       `json:"version"`
}

// pongFrame is the server's reply to a ping.
type pongFrame struct {
	Channel string `json:"channel"`
	Data    int64  `json:"data"`
}
