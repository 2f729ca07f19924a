package server

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"mcplane/internal/model"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// handleExecutionStream upgrades to WebSocket and serves two duplex flows:
// execution lifecycle events pushed as they happen, and tool_call frames
// from the client answered with tool_result frames. Both tools go through
// the same core as stdio and the REST API.
func (r *Runtime) handleExecutionStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	sessionKey := strings.TrimSpace(req.URL.Query().Get("session_key"))

	conn, reader, err := upgradeWebSocket(w, req)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "websocket_upgrade_failed", err.Error())
		return
	}
	defer conn.Close()

	connID := shortuuid.New()
	r.logger.Printf("stream: connection %s opened session=%q", connID, sessionKey)
	defer r.logger.Printf("stream: connection %s closed", connID)

	var writeMu sync.Mutex
	writeFrame := func(payload any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeWebSocketJSON(conn, payload)
	}

	events, cancel := r.service.WatchExecutionEvents(sessionKey)
	defer cancel()
	go func() {
		for event := range events {
			frame := map[string]any{
				"type":    "execution.event",
				"event":   event,
				"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
			}
			if err := writeFrame(frame); err != nil {
				return
			}
		}
	}()

	for {
		opcode, payload, err := readWebSocketFrame(reader)
		if err != nil {
			return
		}
		switch opcode {
		case 0x8: // close
			return
		case 0x9: // ping
			writeMu.Lock()
			_ = writeWebSocketFrame(conn, 0xA, payload)
			writeMu.Unlock()
		case 0x1:
			var call toolCallFrame
			if err := json.Unmarshal(payload, &call); err != nil {
				_ = writeFrame(map[string]any{"type": "error", "message": "invalid frame: " + err.Error()})
				continue
			}
			if call.Type != "tool_call" {
				_ = writeFrame(map[string]any{"type": "error", "message": fmt.Sprintf("unsupported frame type %q", call.Type)})
				continue
			}
			// Execution can take minutes; answer out of band so events
			// keep flowing.
			go r.handleToolCall(req, sessionKey, call, writeFrame)
		}
	}
}

type toolCallFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Tool string `json:"tool"`
	Args struct {
		SessionKey    string        `json:"session_key"`
		Job           model.JobSpec `json:"job"`
		ManualTrigger bool          `json:"manual_trigger"`
		RunID         string        `json:"run_id"`
		Success       *bool         `json:"success"`
	} `json:"args"`
}

func (r *Runtime) handleToolCall(req *http.Request, streamSession string, call toolCallFrame, writeFrame func(any) error) {
	sessionKey := strings.TrimSpace(call.Args.SessionKey)
	if sessionKey == "" {
		sessionKey = streamSession
	}

	var outcome model.ExecutionOutcome
	var err error
	switch strings.TrimSpace(call.Tool) {
	case "execute_and_monitor":
		outcome, err = r.service.ExecuteAndMonitor(req.Context(), sessionKey, call.Args.Job, call.Args.ManualTrigger)
	case "register_manual_execution":
		success := true
		if call.Args.Success != nil {
			success = *call.Args.Success
		}
		outcome, err = r.service.RegisterManualExecution(req.Context(), sessionKey, call.Args.RunID, success)
	default:
		_ = writeFrame(map[string]any{
			"type":    "tool_result",
			"id":      call.ID,
			"error":   fmt.Sprintf("unknown tool %q", call.Tool),
			"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
		return
	}
	if err != nil {
		_ = writeFrame(map[string]any{
			"type":    "tool_result",
			"id":      call.ID,
			"error":   err.Error(),
			"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
		return
	}
	_ = writeFrame(map[string]any{
		"type":    "tool_result",
		"id":      call.ID,
		"outcome": outcome,
		"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func upgradeWebSocket(w http.ResponseWriter, req *http.Request) (net.Conn, *bufio.Reader, error) {
	if !headerContainsToken(req.Header.Get("Connection"), "upgrade") {
		return nil, nil, fmt.Errorf("connection header must include Upgrade")
	}
	if !strings.EqualFold(strings.TrimSpace(req.Header.Get("Upgrade")), "websocket") {
		return nil, nil, fmt.Errorf("upgrade header must be websocket")
	}
	if strings.TrimSpace(req.Header.Get("Sec-WebSocket-Version")) != "13" {
		return nil, nil, fmt.Errorf("sec-websocket-version must be 13")
	}
	websocketKey := strings.TrimSpace(req.Header.Get("Sec-WebSocket-Key"))
	if websocketKey == "" {
		return nil, nil, fmt.Errorf("sec-websocket-key is required")
	}
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err != nil {
		return nil, nil, err
	}

	accept := websocketAcceptKey(websocketKey)
	response := strings.Builder{}
	response.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	response.WriteString("Upgrade: websocket\r\n")
	response.WriteString("Connection: Upgrade\r\n")
	response.WriteString("Sec-WebSocket-Accept: ")
	response.WriteString(accept)
	response.WriteString("\r\n")
	response.WriteString("\r\n")
	if _, err := rw.WriteString(response.String()); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := rw.Flush(); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, rw.Reader, nil
}

func websocketAcceptKey(key string) string {
	hash := sha1.Sum([]byte(key + websocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

func writeWebSocketJSON(conn net.Conn, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return writeWebSocketFrame(conn, 0x1, body)
}

func writeWebSocketFrame(conn net.Conn, opcode byte, payload []byte) error {
	header := make([]byte, 0, 10)
	header = append(header, 0x80|opcode)
	size := len(payload)
	switch {
	case size <= 125:
		header = append(header, byte(size))
	case size <= 65535:
		header = append(header, 126)
		header = append(header, byte(size>>8), byte(size))
	default:
		header = append(header, 127)
		extended := make([]byte, 8)
		binary.BigEndian.PutUint64(extended, uint64(size))
		header = append(header, extended...)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	if _, err := conn.Write(append(header, payload...)); err != nil {
		return err
	}
	return nil
}

// readWebSocketFrame reads a single client frame. Client frames must be
// masked per RFC 6455; fragmentation is not supported.
func readWebSocketFrame(reader *bufio.Reader) (byte, []byte, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return 0, nil, err
	}
	if header[0]&0x80 == 0 {
		return 0, nil, fmt.Errorf("fragmented frames are not supported")
	}
	opcode := header[0] & 0x0F
	masked := header[1]&0x80 != 0
	size := uint64(header[1] & 0x7F)
	switch size {
	case 126:
		extended := make([]byte, 2)
		if _, err := io.ReadFull(reader, extended); err != nil {
			return 0, nil, err
		}
		size = uint64(binary.BigEndian.Uint16(extended))
	case 127:
		extended := make([]byte, 8)
		if _, err := io.ReadFull(reader, extended); err != nil {
			return 0, nil, err
		}
		size = binary.BigEndian.Uint64(extended)
	}
	if size > 1<<20 {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", size)
	}
	if !masked {
		return 0, nil, fmt.Errorf("client frames must be masked")
	}
	maskKey := make([]byte, 4)
	if _, err := io.ReadFull(reader, maskKey); err != nil {
		return 0, nil, err
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return 0, nil, err
	}
	for i := range payload {
		payload[i] ^= maskKey[i%4]
	}
	return opcode, payload, nil
}

func headerContainsToken(header string, token string) bool {
	parts := strings.Split(header, ",")
	for _, part := range parts {
		if strings.EqualFold(strings.TrimSpace(part), strings.TrimSpace(token)) {
			return true
		}
	}
	return false
}
