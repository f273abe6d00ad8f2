// Typerace
//
// Players create a room or join one by its 6-character code, then race to
// type the same shuffled word sequence. The server coordinates rooms and
// relays progress; words are typed, scored, and rendered entirely client-side.
//
// Features:
// - Single WebSocket endpoint at /ws; rooms are joined by message, not URL
// - create-room and join-room are acknowledged with reply messages
// - Rooms hold up to --room-capacity players (default 6); joins past that fail
// - Any member can start a race; a new start supersedes the one in flight
// - Each race gets a monotonically increasing session number per room
// - Progress and finish events are relayed to room peers, never echoed back
// - Roster and race-start broadcasts go to every member, sender included
// - Rooms are deleted when their last member leaves, and idle rooms are
//   reaped after --room-timeout
// - Random 6-char lowercase room codes via crypto/rand, with collision check
// - In-browser QR button to share a room join URL, backed by go-qrcode

package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

var (
	errRoomNotFound  = errors.New("room not found")
	errRoomFull      = errors.New("room full")
	errAlreadyInRoom = errors.New("already in a room")
)

// ClientMessage is the envelope for everything coming from clients.
type ClientMessage struct {
	Type       string      `json:"type"`                 // "create-room", "join-room", "start-race", "progress", "finished"
	Room       string      `json:"room,omitempty"`       // join-room / start-race / progress / finished
	WordsCount int         `json:"wordsCount,omitempty"` // start-race
	Progress   float64     `json:"progress,omitempty"`   // progress
	Result     *RaceResult `json:"result,omitempty"`     // finished
}

// RaceResult carries a player's self-reported final stats. The server treats
// these as advisory telemetry and never recomputes or ranks by them.
type RaceResult struct {
	WordsPerMinute  float64 `json:"wordsPerMinute"`
	Accuracy        float64 `json:"accuracy"`
	AuxiliaryMetric float64 `json:"auxiliaryMetric"`
}

// RoomCreatedMessage acknowledges "create-room".
type RoomCreatedMessage struct {
	Type string `json:"type"` // "room-created"
	Room string `json:"room"`
}

// JoinResultMessage acknowledges "join-room".
type JoinResultMessage struct {
	Type  string `json:"type"` // "join-result"
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type PlayerInfo struct {
	ID string `json:"id"`
}

// RoomUpdateMessage is sent to every member whenever the roster changes.
type RoomUpdateMessage struct {
	Type    string       `json:"type"` // "room-update"
	Players []PlayerInfo `json:"players"`
}

// RaceStartMessage broadcasts a new session's word sequence to every member.
type RaceStartMessage struct {
	Type    string   `json:"type"` // "race-start"
	Session uint64   `json:"session"`
	Words   []string `json:"words"`
}

// OpponentProgressMessage relays one player's progress to their peers.
type OpponentProgressMessage struct {
	Type     string  `json:"type"` // "opponent-progress"
	ID       string  `json:"id"`
	Progress float64 `json:"progress"`
}

// PlayerFinishedMessage relays one player's final result to their peers.
type PlayerFinishedMessage struct {
	Type   string     `json:"type"` // "player-finished"
	ID     string     `json:"id"`
	Result RaceResult `json:"result"`
}

type Client struct {
	conn *websocket.Conn
	send chan any
	id   string
}

type raceState int

const (
	raceIdle raceState = iota
	raceActive
	raceCompleted
)

// raceSession is one broadcast word sequence and its typing attempt.
// The word slice is never mutated after the race-start broadcast.
type raceSession struct {
	seq      uint64
	words    []string
	state    raceState
	progress map[string]float64 // connection id -> last-known fraction
}

type room struct {
	id         string
	members    map[*Client]bool
	session    *raceSession
	sessionSeq uint64
	lastActive time.Time
}

// Registry owns all rooms and the connection-to-room mapping. Every mutation
// of rooms or sessions happens under its mutex, one logical step at a time;
// peer sends under the lock are non-blocking channel writes.
type Registry struct {
	cfg *Config

	mu       sync.Mutex
	rooms    map[string]*room
	byClient map[*Client]string
}

func newRegistry(cfg *Config) *Registry {
	reg := &Registry{
		cfg:      cfg,
		rooms:    make(map[string]*room),
		byClient: make(map[*Client]string),
	}
	if cfg.roomTimeout > 0 {
		go reg.reaperLoop()
	}
	return reg
}

const roomIDChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// newRoomIDLocked generates a random 6-char room code and ensures it doesn't
// collide with an active room.
func (reg *Registry) newRoomIDLocked() string {
	for {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 6)
		for i := range out {
			out[i] = roomIDChars[int(buf[i])%len(roomIDChars)]
		}
		id := string(out)

		if _, exists := reg.rooms[id]; !exists {
			return id
		}
	}
}

// createRoom creates a fresh room with c as its first member, acknowledges
// with the room code, and returns it. A connection belongs to at most one
// room, so any current membership is dropped first, exactly as if c had
// disconnected.
func (reg *Registry) createRoom(c *Client) string {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.leaveLocked(c)

	id := reg.newRoomIDLocked()
	rm := &room{
		id:         id,
		members:    map[*Client]bool{c: true},
		lastActive: time.Now(),
	}
	reg.rooms[id] = rm
	reg.byClient[c] = id

	logf(reg.cfg, "ROOMS: %s created room %s", c.id, id)

	reg.sendLocked(c, RoomCreatedMessage{
		Type: "room-created",
		Room: id,
	})
	reg.broadcastRosterLocked(rm)

	return id
}

// joinRoom adds c to an existing room, acknowledging the outcome either way.
// Rooms are never created implicitly on join.
func (reg *Registry) joinRoom(roomID string, c *Client) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if err := reg.joinLocked(roomID, c); err != nil {
		reg.sendLocked(c, JoinResultMessage{
			Type:  "join-result",
			Ok:    false,
			Error: err.Error(),
		})
		return err
	}

	reg.sendLocked(c, JoinResultMessage{
		Type: "join-result",
		Ok:   true,
	})
	reg.broadcastRosterLocked(reg.rooms[roomID])

	return nil
}

func (reg *Registry) joinLocked(roomID string, c *Client) error {
	if _, ok := reg.byClient[c]; ok {
		return errAlreadyInRoom
	}

	rm, ok := reg.rooms[roomID]
	if !ok {
		return errRoomNotFound
	}

	if len(rm.members) >= reg.cfg.roomCapacity {
		return errRoomFull
	}

	rm.members[c] = true
	reg.byClient[c] = roomID
	rm.lastActive = time.Now()

	logf(reg.cfg, "ROOMS: %s joined room %s (%d players)", c.id, roomID, len(rm.members))

	return nil
}

// listMembers returns a sorted snapshot of member connection ids, empty for
// unknown rooms.
func (reg *Registry) listMembers(roomID string) []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[roomID]
	if !ok {
		return nil
	}

	ids := make([]string, 0, len(rm.members))
	for member := range rm.members {
		ids = append(ids, member.id)
	}
	sort.Strings(ids)

	return ids
}

// detach removes c from its room, if any. Called exactly once when a
// connection goes away, cleanly or not.
func (reg *Registry) detach(c *Client) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.leaveLocked(c)
}

// leaveLocked completes the membership mutation before computing the roster
// broadcast, so remaining members see the post-departure state. The departed
// connection is never a broadcast destination. Empty rooms are deleted on
// the spot.
func (reg *Registry) leaveLocked(c *Client) {
	roomID, ok := reg.byClient[c]
	if !ok {
		return
	}
	delete(reg.byClient, c)

	rm, ok := reg.rooms[roomID]
	if !ok {
		return
	}

	delete(rm.members, c)

	if len(rm.members) == 0 {
		delete(reg.rooms, roomID)
		logf(reg.cfg, "ROOMS: Deleted empty room %s", roomID)
		return
	}

	rm.lastActive = time.Now()
	reg.broadcastRosterLocked(rm)
}

// startRace begins a new session for the room and broadcasts its words to
// every member, requester included. A session already in flight is
// superseded without error; its progress is discarded.
func (reg *Registry) startRace(roomID string, wordsCount int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[roomID]
	if !ok {
		return
	}

	if rm.session != nil {
		rm.session.state = raceCompleted
	}

	rm.sessionSeq++
	rm.session = &raceSession{
		seq:      rm.sessionSeq,
		words:    shuffleAndPick(raceWords, clampWordsCount(wordsCount)),
		state:    raceActive,
		progress: make(map[string]float64),
	}
	rm.lastActive = time.Now()

	logf(reg.cfg, "RACES: Session %d started in room %s (%d words)", rm.sessionSeq, roomID, len(rm.session.words))

	reg.broadcastLocked(rm, RaceStartMessage{
		Type:    "race-start",
		Session: rm.session.seq,
		Words:   rm.session.words,
	}, nil)
}

// reportProgress records c's last-known fraction and relays it to everyone
// in the room except c. Monotonicity and session matching are not validated;
// stale reports are relayed as-is.
func (reg *Registry) reportProgress(roomID string, c *Client, fraction float64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[roomID]
	if !ok {
		return
	}

	if rm.session != nil {
		rm.session.progress[c.id] = fraction
	}
	rm.lastActive = time.Now()

	reg.broadcastLocked(rm, OpponentProgressMessage{
		Type:     "opponent-progress",
		ID:       c.id,
		Progress: fraction,
	}, c)
}

// reportFinish relays c's result to everyone in the room except c. The room
// is not driven to a completed state server-side; each client tracks its own
// finish.
func (reg *Registry) reportFinish(roomID string, c *Client, result RaceResult) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[roomID]
	if !ok {
		return
	}

	rm.lastActive = time.Now()

	logf(reg.cfg, "RACES: %s finished in room %s (%.0f wpm)", c.id, roomID, result.WordsPerMinute)

	reg.broadcastLocked(rm, PlayerFinishedMessage{
		Type:   "player-finished",
		ID:     c.id,
		Result: result,
	}, c)
}

// sendLocked queues an acknowledgment without blocking. A client that can't
// keep up with its own acks loses them. A send channel is closed only by its
// own read pump, after detach, so the registry can never hit a closed
// channel here.
func (reg *Registry) sendLocked(c *Client, msg any) {
	select {
	case c.send <- msg:
	default:
	}
}

// broadcastLocked queues msg for every member except exclude. Members whose
// send buffer is full are dropped from the room rather than blocking the
// registry. Eviction closes the member's connection, not its send channel:
// the read pump may already be carrying another frame for this client, and
// tearing the channel down here would turn that frame's ack into a send on
// a closed channel.
func (reg *Registry) broadcastLocked(rm *room, msg any, exclude *Client) {
	for member := range rm.members {
		if member == exclude {
			continue
		}

		select {
		case member.send <- msg:
		default:
			delete(rm.members, member)
			delete(reg.byClient, member)
			if member.conn != nil {
				_ = member.conn.Close()
			}
		}
	}

	if len(rm.members) == 0 {
		delete(reg.rooms, rm.id)
	}
}

func (reg *Registry) broadcastRosterLocked(rm *room) {
	players := make([]PlayerInfo, 0, len(rm.members))
	for member := range rm.members {
		players = append(players, PlayerInfo{ID: member.id})
	}
	sort.Slice(players, func(i, j int) bool {
		return players[i].ID < players[j].ID
	})

	reg.broadcastLocked(rm, RoomUpdateMessage{
		Type:    "room-update",
		Players: players,
	}, nil)
}

// reaperLoop periodically removes rooms that have been idle longer than the
// configured room timeout, disconnecting any members still attached.
func (reg *Registry) reaperLoop() {
	ticker := time.NewTicker(reg.cfg.roomTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-reg.cfg.roomTimeout)

		reg.mu.Lock()
		for id, rm := range reg.rooms {
			if !rm.lastActive.Before(cutoff) {
				continue
			}

			for member := range rm.members {
				delete(reg.byClient, member)
				if member.conn != nil {
					_ = member.conn.Close()
				}
			}
			delete(reg.rooms, id)

			logf(reg.cfg, "ROOMS: Reaped idle room %s", id)
		}
		reg.mu.Unlock()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// newConnectionID generates the opaque identifier a connection is known by
// for its lifetime.
func newConnectionID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	return hex.EncodeToString(buf)
}

func serveWS(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		id := newConnectionID()
		if id == "" {
			http.Error(w, "unable to assign connection id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
			id:   id,
		}

		logf(cfg, "RACES: Connection %s from %s", client.id, realIP(r))

		go client.writePump()
		client.readPump(reg)
	}
}

func (c *Client) readPump(reg *Registry) {
	// detach must finish before the send channel closes: once c is out of
	// the registry nothing can queue to it, so the close can't race a send.
	defer func() {
		reg.detach(c)
		close(c.send)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "create-room":
			reg.createRoom(c)
		case "join-room":
			_ = reg.joinRoom(msg.Room, c)
		case "start-race":
			reg.startRace(msg.Room, msg.WordsCount)
		case "progress":
			reg.reportProgress(msg.Room, c, msg.Progress)
		case "finished":
			if msg.Result != nil {
				reg.reportFinish(msg.Room, c, *msg.Result)
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// qrHandler generates a PNG QR code for a room's join URL using go-qrcode.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("room")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + cfg.prefix + "/?room=" + roomID

		const qrSize = 320 // mobile-friendly size
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	}
}

// registerRace sets up routes so that:
//   - /ws            → WebSocket endpoint for all race traffic
//   - /qr/:room      → PNG QR code linking to the room join URL
//   - /assets/...    → shared client assets
func registerRace(cfg *Config, mux *httprouter.Router, errs chan<- error) {
	reg := newRegistry(cfg)

	mux.GET(cfg.prefix+"/ws", serveWS(cfg, reg))

	mux.GET(cfg.prefix+"/qr/:room", qrHandler(cfg))

	mux.GET(cfg.prefix+"/assets/typerace/app.css", serveAssets(cfg, errs))
	mux.GET(cfg.prefix+"/assets/typerace/app.js", serveAssets(cfg, errs))
}
