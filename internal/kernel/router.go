package kernel

import "encoding/json"

// IOPubMessage is a decoded Jupyter IOPub message: msg_type plus its
// content object. Wire decoding (ZeroMQ framing, HMAC verification) is the
// caller's responsibility — the router only demultiplexes already-decoded
// messages, keeping this package independent of any particular ZeroMQ
// binding (none exists in the dependency pack).
type IOPubMessage struct {
	MsgType string          `json:"msg_type"`
	Content json.RawMessage `json:"content"`
}

// RoomSink is the subset of notebook-room operations the kernel router
// drives in response to IOPub traffic (spec §4.I routing table). The room
// package implements this so kernel stays independent of the room's CRDT
// internals.
type RoomSink interface {
	FeedStream(cellID, streamName, text string) error
	AppendOutput(cellID string, kind string, data map[string]string, metadata json.RawMessage, extra map[string]any) error
	SetExecutionCount(cellID string, count int) error
	SetRunning(cellID string, running bool) error
	SetKernelStatus(status string) error
	CommOpen(commID, targetName string, state json.RawMessage) error
	CommUpdate(commID string, state json.RawMessage) error
	CommClose(commID string) error
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type executeReplyContent struct {
	ExecutionCount int `json:"execution_count"`
}

type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

type displayContent struct {
	Data      map[string]string `json:"data"`
	Metadata  json.RawMessage   `json:"metadata"`
	Transient map[string]any    `json:"transient"`
}

type errorContent struct {
	EName     string   `json:"ename"`
	EValue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type commOpenContent struct {
	CommID     string          `json:"comm_id"`
	TargetName string          `json:"target_name"`
	Data       json.RawMessage `json:"data"`
}

type commMsgContent struct {
	CommID string      `json:"comm_id"`
	Data   commMsgData `json:"data"`
}

// commMsgData is the ipywidgets comm_msg wire shape: the widget's actual
// state delta lives nested under "state", not at the top level of "data".
type commMsgData struct {
	Method      string          `json:"method"`
	State       json.RawMessage `json:"state"`
	BufferPaths json.RawMessage `json:"buffer_paths"`
}

type commCloseContent struct {
	CommID string `json:"comm_id"`
}

// Router demultiplexes IOPub messages by msg_type into RoomSink calls
// (spec §4.I).
type Router struct {
	sink RoomSink
}

// NewRouter builds a router that drives sink.
func NewRouter(sink RoomSink) *Router {
	return &Router{sink: sink}
}

// Dispatch routes one IOPub message for cellID.
func (r *Router) Dispatch(cellID string, msg IOPubMessage) error {
	switch msg.MsgType {
	case "stream":
		var c streamContent
		if err := json.Unmarshal(msg.Content, &c); err != nil {
			return err
		}
		return r.sink.FeedStream(cellID, c.Name, c.Text)

	case "execute_result":
		var c displayContent
		if err := json.Unmarshal(msg.Content, &c); err != nil {
			return err
		}
		return r.sink.AppendOutput(cellID, "execute_result", c.Data, c.Metadata, c.Transient)

	case "display_data":
		var c displayContent
		if err := json.Unmarshal(msg.Content, &c); err != nil {
			return err
		}
		return r.sink.AppendOutput(cellID, "display_data", c.Data, c.Metadata, c.Transient)

	case "update_display_data":
		var c displayContent
		if err := json.Unmarshal(msg.Content, &c); err != nil {
			return err
		}
		return r.sink.AppendOutput(cellID, "update_display_data", c.Data, c.Metadata, c.Transient)

	case "error":
		var c errorContent
		if err := json.Unmarshal(msg.Content, &c); err != nil {
			return err
		}
		data := map[string]string{"text/plain": c.EValue}
		extra := map[string]any{"ename": c.EName, "evalue": c.EValue, "traceback": c.Traceback}
		return r.sink.AppendOutput(cellID, "error", data, nil, extra)

	case "execute_reply":
		var c executeReplyContent
		if err := json.Unmarshal(msg.Content, &c); err != nil {
			return err
		}
		if err := r.sink.SetExecutionCount(cellID, c.ExecutionCount); err != nil {
			return err
		}
		return r.sink.SetRunning(cellID, false)

	case "status":
		var c statusContent
		if err := json.Unmarshal(msg.Content, &c); err != nil {
			return err
		}
		return r.sink.SetKernelStatus(c.ExecutionState)

	case "comm_open":
		var c commOpenContent
		if err := json.Unmarshal(msg.Content, &c); err != nil {
			return err
		}
		return r.sink.CommOpen(c.CommID, c.TargetName, c.Data)

	case "comm_msg":
		var c commMsgContent
		if err := json.Unmarshal(msg.Content, &c); err != nil {
			return err
		}
		if c.Data.Method != "update" || len(c.Data.State) == 0 {
			return nil
		}
		return r.sink.CommUpdate(c.CommID, c.Data.State)

	case "comm_close":
		var c commCloseContent
		if err := json.Unmarshal(msg.Content, &c); err != nil {
			return err
		}
		return r.sink.CommClose(c.CommID)
	}

	return nil
}
