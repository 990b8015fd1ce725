package termoweb

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"termobridge/internal/models"
)

// Namespace joined after the socket upgrade; all event frames address it.
const wsNamespace = "/api/v2/socket_io"

// socket.io 0.9 frame types (text frames "<type>:<id>:<endpoint>[:<data>]").
const (
	frameDisconnect = '0'
	frameConnect    = '1'
	frameHeartbeat  = '2'
	frameEvent      = '5'
	frameError      = '7'
)

var errMalformedFrame = errors.New("termoweb: malformed frame")

type frame struct {
	Type     byte
	Endpoint string
	Data     string
}

// parseFrame splits a raw text frame. The data segment may itself contain
// colons, so only the first three separators are structural.
func parseFrame(raw string) (frame, error) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) < 3 || len(parts[0]) != 1 {
		return frame{}, errMalformedFrame
	}
	f := frame{Type: parts[0][0], Endpoint: parts[2]}
	if len(parts) == 4 {
		f.Data = parts[3]
	}
	return f, nil
}

func heartbeatFrame() string { return "2::" }

func connectFrame() string { return "1::" + wsNamespace }

// eventFrame encodes `5::<ns>:{"name":...,"args":...}`.
func eventFrame(name string, args any) (string, error) {
	payload, err := json.Marshal(struct {
		Name string `json:"name"`
		Args any    `json:"args"`
	}{Name: name, Args: args})
	if err != nil {
		return "", err
	}
	return "5::" + wsNamespace + ":" + string(payload), nil
}

func snapshotRequestFrame() (string, error) {
	return eventFrame("dev_data", []any{})
}

// handshake is the parsed result of GET /socket.io/1/.
type handshake struct {
	SID        string
	Heartbeat  time.Duration
	Disconnect time.Duration
	Transports []string
}

// parseHandshake splits "<sid>:<heartbeat_s>:<disconnect_s>:<transports>".
// Unparsable timeouts fall back to 60s, matching observed server behavior.
func parseHandshake(body string) (handshake, error) {
	parts := strings.Split(strings.TrimSpace(body), ":")
	if len(parts) < 4 || parts[0] == "" {
		return handshake{}, fmt.Errorf("termoweb: malformed handshake body %q", bodyExcerpt([]byte(body)))
	}
	h := handshake{SID: parts[0], Heartbeat: 60 * time.Second, Disconnect: 60 * time.Second}
	if secs, err := strconv.Atoi(parts[1]); err == nil && secs > 0 {
		h.Heartbeat = time.Duration(secs) * time.Second
	}
	if secs, err := strconv.Atoi(parts[2]); err == nil && secs > 0 {
		h.Disconnect = time.Duration(secs) * time.Second
	}
	h.Transports = strings.Split(parts[3], ",")
	return h, nil
}

// DeltaKind tags the resource a push update addresses.
type DeltaKind int

const (
	DeltaUnknown DeltaKind = iota
	DeltaHeaterSettings
	DeltaNodeList
	DeltaAdvancedSetup
	DeltaPowerLimit
)

// Delta is one decoded path/body pair from a push batch.
type Delta struct {
	Kind     DeltaKind
	Path     string
	Addr     string          // heater address for settings/advanced-setup deltas
	Settings *HeaterSettings // populated for DeltaHeaterSettings
	Nodes    []models.Node   // populated for DeltaNodeList
	Body     json.RawMessage // the raw body for every kind
}

type pathUpdate struct {
	Path string          `json:"path"`
	Body json.RawMessage `json:"body"`
}

type eventMessage struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args"`
}

// decodeDeltas parses the payload of a `5::` event frame. Only "data" events
// carry state; anything else returns an empty batch. Individual items that
// fail to decode are skipped so one bad entry cannot poison the batch.
func decodeDeltas(devID, data string) ([]Delta, error) {
	var evt eventMessage
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return nil, fmt.Errorf("termoweb: decode event: %w", err)
	}
	if evt.Name != "data" || len(evt.Args) == 0 {
		return nil, nil
	}
	var batch []pathUpdate
	if err := json.Unmarshal(evt.Args[0], &batch); err != nil {
		return nil, fmt.Errorf("termoweb: decode update batch: %w", err)
	}

	out := make([]Delta, 0, len(batch))
	for _, item := range batch {
		if item.Path == "" {
			continue
		}
		out = append(out, decodeDelta(devID, item))
	}
	return out, nil
}

func decodeDelta(devID string, item pathUpdate) Delta {
	d := Delta{Kind: DeltaUnknown, Path: item.Path, Body: item.Body}
	segs := strings.Split(strings.Trim(item.Path, "/"), "/")

	switch {
	case len(segs) == 3 && segs[0] == "htr" && segs[2] == "settings":
		d.Addr = segs[1]
		var hs HeaterSettings
		if err := json.Unmarshal(item.Body, &hs); err == nil {
			d.Kind = DeltaHeaterSettings
			d.Settings = &hs
		}
	case len(segs) == 3 && segs[0] == "htr" && segs[2] == "advanced_setup":
		d.Kind = DeltaAdvancedSetup
		d.Addr = segs[1]
	case len(segs) == 2 && segs[0] == "mgr" && segs[1] == "nodes":
		var nr nodesResponse
		if err := json.Unmarshal(item.Body, &nr); err == nil {
			d.Kind = DeltaNodeList
			d.Nodes = nodesFromWire(devID, nr.Nodes)
		}
	case len(segs) == 2 && segs[0] == "htr_system" && segs[1] == "power_limit":
		d.Kind = DeltaPowerLimit
	}
	return d
}
