// Package wsagent is the painter's connection to the world: a
// websocket session that keeps a local view of the agent (position,
// inventory, nearby voxels) fresh from OBS frames and turns the
// placement and restock primitives into ACT tasks and instants.
//
// The session reconnects on its own with a capped backoff, resuming the
// same agent via the welcome's resume token. Operations in flight when
// the link drops fail with E_STALE and are retried by their callers.
package wsagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"muralcraft.ai/internal/mural"
	"muralcraft.ai/internal/palette"
	"muralcraft.ai/internal/protocol"
)

type Config struct {
	URL       string
	AgentName string
	AuthToken string

	// TaskTimeout bounds the wait for a task result. Movement is the
	// exception: callers wrap NavigateTo in their own deadline.
	TaskTimeout time.Duration
	DialTimeout time.Duration
}

type Session struct {
	log  *log.Logger
	cats *palette.Catalogs
	cfg  Config

	// gorilla permits one concurrent writer.
	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	agentID  string
	resume   string
	tick     uint64
	pos      mural.Vec3i
	stance   string
	equipped string
	inv      map[string]int

	voxels    map[mural.Vec3i]uint16
	obsCenter [3]int
	obsRadius int

	pending    map[string]chan protocol.TaskResult
	containers map[string]chan protocol.ContainerSnapshot
	seq        uint64

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func New(logger *log.Logger, cats *palette.Catalogs, cfg Config) *Session {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Session{
		log:        logger,
		cats:       cats,
		cfg:        cfg,
		inv:        map[string]int{},
		voxels:     map[mural.Vec3i]uint16{},
		pending:    map[string]chan protocol.TaskResult{},
		containers: map[string]chan protocol.ContainerSnapshot{},
		ready:      make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

// Connect dials the world, completes the HELLO/WELCOME handshake and
// starts the observation pump.
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.dial(ctx, "")
	if err != nil {
		return err
	}
	go s.readLoop(conn)
	return nil
}

// WaitReady blocks until the first observation lands, so callers start
// with a real position and inventory instead of zero values.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
		time.Now().Add(time.Second))
	return conn.Close()
}

func (s *Session) dial(ctx context.Context, resume string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, _, err := dialer.DialContext(dialCtx, s.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentName:       s.cfg.AgentName,
		Capabilities:    protocol.HelloCapabilities{DeltaVoxels: true, MaxQueue: 8},
		ResumeToken:     resume,
	}
	if s.cfg.AuthToken != "" {
		hello.Auth = &protocol.HelloAuth{Token: s.cfg.AuthToken}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}

	welcome, err := awaitWelcome(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := s.verifyCatalogs(welcome.Catalogs); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.agentID = welcome.AgentID
	s.resume = welcome.ResumeToken
	s.mu.Unlock()
	s.log.Printf("joined world as %s", welcome.AgentID)
	return conn, nil
}

func awaitWelcome(conn *websocket.Conn) (*protocol.WelcomeMsg, error) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("await WELCOME: %w", err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.Type != protocol.TypeWelcome {
			continue
		}
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return nil, fmt.Errorf("decode WELCOME: %w", err)
		}
		if w.ProtocolVersion != protocol.Version {
			return nil, fmt.Errorf("server speaks protocol %s, this fleet speaks %s", w.ProtocolVersion, protocol.Version)
		}
		return &w, nil
	}
}

// verifyCatalogs rejects a world whose block palette differs from the
// local one, since voxel deltas are meaningless under the wrong ids.
// Item palette drift only gets a log line; painters use a subset.
func (s *Session) verifyCatalogs(d protocol.CatalogDigests) error {
	if d.BlockPalette.Digest != "" && d.BlockPalette.Digest != s.cats.Blocks.PaletteDigest {
		return fmt.Errorf("block palette digest %.12s does not match local %.12s", d.BlockPalette.Digest, s.cats.Blocks.PaletteDigest)
	}
	if d.ItemPalette.Digest != "" && d.ItemPalette.Digest != s.cats.Paints.Digest {
		s.log.Printf("item palette digest differs from local paints")
	}
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(conn, err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeObs:
			var obs protocol.ObsMsg
			if err := json.Unmarshal(msg, &obs); err != nil {
				continue
			}
			s.applyObs(&obs)
		case protocol.TypeCatalog:
			// Catalogs ship with the fleet; the wire copy is redundant.
		}
	}
}

func (s *Session) applyObs(obs *protocol.ObsMsg) {
	s.mu.Lock()
	s.tick = obs.Tick
	s.pos = mural.Vec3i{X: obs.Self.Pos[0], Y: obs.Self.Pos[1], Z: obs.Self.Pos[2]}
	s.stance = obs.Self.Stance
	s.equipped = obs.Equipment.MainHand

	inv := make(map[string]int, len(obs.Inventory))
	for _, st := range obs.Inventory {
		if st.Count > 0 {
			inv[st.Item] += st.Count
		}
	}
	s.inv = inv

	if obs.Voxels.Encoding == "DELTA" {
		s.obsCenter = obs.Voxels.Center
		s.obsRadius = obs.Voxels.Radius
		c := obs.Voxels.Center
		for _, op := range obs.Voxels.Ops {
			p := mural.Vec3i{X: c[0] + op.D[0], Y: c[1] + op.D[1], Z: c[2] + op.D[2]}
			if op.B == 0 {
				delete(s.voxels, p)
			} else {
				s.voxels[p] = op.B
			}
		}
	}

	for _, e := range obs.Events {
		if res, ok := protocol.TaskResultFrom(e); ok {
			if ch, exists := s.pending[res.TaskID]; exists {
				delete(s.pending, res.TaskID)
				ch <- res
			}
			continue
		}
		if snap, ok := protocol.ContainerSnapshotFrom(e); ok {
			if ch, exists := s.containers[snap.ID]; exists {
				select {
				case ch <- snap:
				default:
				}
			}
		}
	}
	s.mu.Unlock()

	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) handleDisconnect(conn *websocket.Conn, cause error) {
	_ = conn.Close()
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- protocol.TaskResult{TaskID: id, Code: protocol.ErrStale, Message: "connection lost"}
	}
	resume := s.resume
	s.mu.Unlock()

	select {
	case <-s.closed:
		return
	default:
	}
	s.log.Printf("world connection lost: %v", cause)
	go s.reconnect(resume)
}

func (s *Session) reconnect(resume string) {
	backoff := time.Second
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		conn, err := s.dial(context.Background(), resume)
		if err == nil {
			go s.readLoop(conn)
			return
		}
		s.log.Printf("reconnect: %v (next try in %s)", err, backoff)
		select {
		case <-s.closed:
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// send serializes a message onto the socket. Writes from the task layer
// and the reconnect path interleave, so a single writer lock guards the
// connection.
func (s *Session) send(v interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

// runTask submits one task and waits for its TASK_DONE or TASK_FAIL.
func (s *Session) runTask(ctx context.Context, req protocol.TaskReq) error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return &protocol.TaskError{Kind: req.Type, Code: protocol.ErrStale, Message: "not connected"}
	}
	s.seq++
	req.ID = fmt.Sprintf("K_%s_%d", strings.ToLower(req.Type), s.seq)
	ch := make(chan protocol.TaskResult, 1)
	s.pending[req.ID] = ch
	act := protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            s.tick,
		AgentID:         s.agentID,
		Tasks:           []protocol.TaskReq{req},
	}
	s.mu.Unlock()

	if err := s.send(act); err != nil {
		s.dropPending(req.ID)
		return &protocol.TaskError{Kind: req.Type, Code: protocol.ErrStale, Message: err.Error()}
	}

	timer := time.NewTimer(s.cfg.TaskTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.OK {
			return nil
		}
		return &protocol.TaskError{Kind: req.Type, Code: res.Code, Message: res.Message}
	case <-ctx.Done():
		s.dropPending(req.ID)
		s.cancelTask(req.ID)
		return ctx.Err()
	case <-timer.C:
		s.dropPending(req.ID)
		s.cancelTask(req.ID)
		return &protocol.TaskError{Kind: req.Type, Code: protocol.ErrInternal, Message: "no task result"}
	}
}

func (s *Session) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) cancelTask(id string) {
	s.mu.Lock()
	act := protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            s.tick,
		AgentID:         s.agentID,
		Cancel:          []string{id},
	}
	s.mu.Unlock()
	_ = s.send(act)
}

func (s *Session) sendInstant(req protocol.InstantReq) error {
	s.mu.Lock()
	s.seq++
	req.ID = fmt.Sprintf("I_%s_%d", strings.ToLower(req.Type), s.seq)
	act := protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            s.tick,
		AgentID:         s.agentID,
		Instants:        []protocol.InstantReq{req},
	}
	s.mu.Unlock()
	return s.send(act)
}

// Session surface consumed by placer, restock and worker.

func (s *Session) Position() mural.Vec3i {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

func (s *Session) Inventory() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.inv))
	for item, n := range s.inv {
		out[item] = n
	}
	return out
}

func (s *Session) NavigateTo(ctx context.Context, pos mural.Vec3i, tolerance float64) error {
	return s.runTask(ctx, protocol.TaskReq{
		Type:      protocol.TaskMoveTo,
		Target:    pos.ToArray(),
		Tolerance: tolerance,
	})
}

func (s *Session) FaceToward(pos mural.Vec3i) error {
	return s.sendInstant(protocol.InstantReq{Type: protocol.InstantLook, Target: pos.ToArray()})
}

// Equip fails fast on items the inventory view says we do not hold,
// since instants emit no completion event to carry the refusal back.
func (s *Session) Equip(item string) error {
	s.mu.Lock()
	held := s.inv[item] > 0
	s.mu.Unlock()
	if !held {
		return &protocol.TaskError{Kind: protocol.InstantEquip, Code: protocol.ErrNoResource, Message: item + " not held"}
	}
	if err := s.sendInstant(protocol.InstantReq{Type: protocol.InstantEquip, ItemID: item}); err != nil {
		return err
	}
	s.mu.Lock()
	s.equipped = item
	s.mu.Unlock()
	return nil
}

func (s *Session) SetStance(braced bool) error {
	mode := protocol.StanceNormal
	if braced {
		mode = protocol.StanceBraced
	}
	if err := s.sendInstant(protocol.InstantReq{Type: protocol.InstantStance, Mode: mode}); err != nil {
		return err
	}
	s.mu.Lock()
	s.stance = mode
	s.mu.Unlock()
	return nil
}

func (s *Session) Say(text string) error {
	return s.sendInstant(protocol.InstantReq{Type: protocol.InstantSay, Channel: "LOCAL", Text: text})
}

// BlockAt reads the voxel cache. Positions inside the observed radius
// with no cached block are known AIR; positions never observed are
// unknown.
func (s *Session) BlockAt(pos mural.Vec3i) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.voxels[pos]; ok {
		return s.cats.Blocks.Name(id), true
	}
	if s.observed(pos) {
		return "AIR", true
	}
	return "", false
}

// CanOccupy treats unknown voxels as open: a wrong guess comes back as
// a movement failure, which the retry budget absorbs.
func (s *Session) CanOccupy(pos mural.Vec3i) bool {
	feet, feetKnown := s.BlockAt(pos)
	head, headKnown := s.BlockAt(mural.Vec3i{X: pos.X, Y: pos.Y + 1, Z: pos.Z})
	if feetKnown && s.cats.Blocks.Solid(feet) {
		return false
	}
	if headKnown && s.cats.Blocks.Solid(head) {
		return false
	}
	return true
}

func (s *Session) observed(pos mural.Vec3i) bool {
	if s.obsRadius <= 0 {
		return false
	}
	return abs(pos.X-s.obsCenter[0]) <= s.obsRadius &&
		abs(pos.Y-s.obsCenter[1]) <= s.obsRadius &&
		abs(pos.Z-s.obsCenter[2]) <= s.obsRadius
}

// PlaceBlock runs a PLACE task. No local bookkeeping is needed: the
// result rides in an OBS frame, so the inventory and voxel views are
// already reconciled when this returns. The same holds for MINE, DROP
// and TRANSFER below.
func (s *Session) PlaceBlock(ctx context.Context, pos mural.Vec3i, item string) error {
	return s.runTask(ctx, protocol.TaskReq{
		Type:     protocol.TaskPlace,
		BlockPos: pos.ToArray(),
		ItemID:   item,
		Count:    1,
	})
}

func (s *Session) BreakBlock(ctx context.Context, pos mural.Vec3i) error {
	return s.runTask(ctx, protocol.TaskReq{Type: protocol.TaskMine, BlockPos: pos.ToArray()})
}

func (s *Session) DropAll(ctx context.Context) error {
	return s.runTask(ctx, protocol.TaskReq{Type: protocol.TaskDrop})
}

// OpenContainer runs the OPEN task and waits for the CONTAINER event
// carrying the contents snapshot. The waiter registers before the task
// is sent because the snapshot can land in the same frame as TASK_DONE.
func (s *Session) OpenContainer(ctx context.Context, pos mural.Vec3i) (protocol.ContainerSnapshot, error) {
	id := protocol.ContainerID("CHEST", pos.X, pos.Y, pos.Z)
	ch := make(chan protocol.ContainerSnapshot, 1)
	s.mu.Lock()
	s.containers[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.containers, id)
		s.mu.Unlock()
	}()

	if err := s.runTask(ctx, protocol.TaskReq{Type: protocol.TaskOpen, TargetID: id}); err != nil {
		return protocol.ContainerSnapshot{}, err
	}

	timer := time.NewTimer(s.cfg.TaskTimeout)
	defer timer.Stop()
	select {
	case snap := <-ch:
		return snap, nil
	case <-ctx.Done():
		return protocol.ContainerSnapshot{}, ctx.Err()
	case <-timer.C:
		return protocol.ContainerSnapshot{}, &protocol.TaskError{Kind: protocol.TaskOpen, Code: protocol.ErrInternal, Message: "no container snapshot"}
	}
}

func (s *Session) CloseContainer(ctx context.Context, pos mural.Vec3i) error {
	id := protocol.ContainerID("CHEST", pos.X, pos.Y, pos.Z)
	return s.runTask(ctx, protocol.TaskReq{Type: protocol.TaskClose, TargetID: id})
}

func (s *Session) Withdraw(ctx context.Context, pos mural.Vec3i, item string, count int) error {
	id := protocol.ContainerID("CHEST", pos.X, pos.Y, pos.Z)
	return s.runTask(ctx, protocol.TaskReq{
		Type:   protocol.TaskTransfer,
		Src:    id,
		Dst:    protocol.SelfContainer,
		ItemID: item,
		Count:  count,
	})
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
