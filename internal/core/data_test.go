package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pod-service/internal/auth"
	"pod-service/internal/devices"
	"pod-service/internal/logger"
	"pod-service/internal/packet"
	"pod-service/internal/types"
)

func newTestData(t *testing.T) (*DataService, *mockMessagingClient) {
	t.Helper()
	msg := newMockMessagingClient()
	d := NewDataService(msg, logger.NewNop())
	// plain hashes keep the tests fast; bcrypt is covered in auth
	d.hash = func(pwd string) (string, error) { return "hash:" + pwd, nil }
	if err := d.Bootstrap("password"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return d, msg
}

func dataDo(d *DataService, cmdType uint8, payload ...string) *packet.Command {
	return d.Handle(context.Background(), packet.NewCommand(cmdType, payload...))
}

func TestBootstrapCreatesAdminOnce(t *testing.T) {
	d, msg := newTestData(t)
	admin := msg.users[types.AdminName]
	if admin.UGroup != types.GroupAdmin || admin.Hash != "hash:password" {
		t.Fatalf("admin = %+v", admin)
	}

	if err := d.Bootstrap("other"); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	if msg.users[types.AdminName].Hash != "hash:password" {
		t.Error("Bootstrap overwrote an existing admin")
	}
}

func TestBootstrapLookupError(t *testing.T) {
	msg := newMockMessagingClient()
	msg.userErr = errors.New("redis down")
	d := NewDataService(msg, logger.NewNop())
	if err := d.Bootstrap("password"); err == nil {
		t.Fatal("Bootstrap succeeded with failing store")
	}
}

func TestBootstrapHashesWithBcrypt(t *testing.T) {
	msg := newMockMessagingClient()
	if err := NewDataService(msg, logger.NewNop()).Bootstrap("s3cret"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !auth.VerifyPassword("s3cret", msg.users[types.AdminName].Hash) {
		t.Error("admin hash does not verify")
	}
}

func TestAddAndGetUser(t *testing.T) {
	d, msg := newTestData(t)

	reply := dataDo(d, CmdAddUser, `{"name":" Carol ","pwd":"pw","ugroup":1}`)
	if reply.CmdType != CmdAddUser || reply.Arg(0) != "User added" {
		t.Fatalf("add reply %d %v", reply.CmdType, reply.Payload)
	}
	if u := msg.users["carol"]; u.UGroup != 1 || u.Hash != "hash:pw" {
		t.Errorf("stored user = %+v", u)
	}

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"duplicate", `{"name":"carol","pwd":"pw","ugroup":1}`, "User add failed"},
		{"no password", `{"name":"dave","ugroup":1}`, "Malformed user information"},
		{"no name", `{"pwd":"pw"}`, "Malformed user information"},
		{"malformed", `not json`, "Malformed user information"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := dataDo(d, CmdAddUser, tt.payload)
			if reply.CmdType != 0 || reply.Arg(0) != tt.want {
				t.Errorf("reply %d %v, want 0 [%s]", reply.CmdType, reply.Payload, tt.want)
			}
		})
	}

	reply = dataDo(d, CmdGetUser, `{"name":"CAROL"}`)
	var u types.User
	if err := json.Unmarshal([]byte(reply.Arg(0)), &u); err != nil {
		t.Fatalf("get reply %v: %v", reply.Payload, err)
	}
	if u.Name != "carol" || u.UGroup != 1 {
		t.Errorf("user = %+v", u)
	}

	reply = dataDo(d, CmdGetUser, `{"name":"nobody"}`)
	u = types.User{}
	if err := json.Unmarshal([]byte(reply.Arg(0)), &u); err != nil || u.Name != "" {
		t.Errorf("missing user reply = %v", reply.Payload)
	}
}

func TestListUsersOmitsHashes(t *testing.T) {
	d, _ := newTestData(t)
	dataDo(d, CmdAddUser, `{"name":"carol","pwd":"pw","ugroup":2}`)

	reply := dataDo(d, CmdListUsers)
	if reply.CmdType != CmdListUsers {
		t.Fatalf("reply %d %v", reply.CmdType, reply.Payload)
	}
	var users []map[string]interface{}
	if err := json.Unmarshal([]byte(reply.Arg(0)), &users); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("users = %v", users)
	}
	for _, u := range users {
		if _, ok := u["hash"]; ok {
			t.Errorf("listing exposes hash: %v", u)
		}
	}
}

func TestRemoveUser(t *testing.T) {
	d, msg := newTestData(t)
	dataDo(d, CmdAddUser, `{"name":"carol","pwd":"pw","ugroup":2}`)

	tests := []struct {
		name    string
		arg     string
		wantCmd uint8
		want    string
	}{
		{"admin", "Admin", 0, "Cannot remove admin account"},
		{"existing", "carol", CmdRemoveUser, "User removed"},
		{"missing", "carol", 0, "User remove failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := dataDo(d, CmdRemoveUser, tt.arg)
			if reply.CmdType != tt.wantCmd || reply.Arg(0) != tt.want {
				t.Errorf("reply %d %v, want %d [%s]", reply.CmdType, reply.Payload, tt.wantCmd, tt.want)
			}
		})
	}
	if _, ok := msg.users[types.AdminName]; !ok {
		t.Error("admin removed")
	}
}

func TestSetGroup(t *testing.T) {
	d, msg := newTestData(t)
	dataDo(d, CmdAddUser, `{"name":"carol","pwd":"pw","ugroup":2}`)

	reply := dataDo(d, CmdSetGroup, `{"name":"carol","ugroup":1}`)
	if reply.CmdType != CmdSetGroup || reply.Arg(0) != "User group updated" {
		t.Errorf("reply %d %v", reply.CmdType, reply.Payload)
	}
	if msg.users["carol"].UGroup != 1 || msg.users["carol"].Hash != "hash:pw" {
		t.Errorf("carol = %+v", msg.users["carol"])
	}

	reply = dataDo(d, CmdSetGroup, `{"name":"admin","ugroup":1}`)
	if reply.CmdType != 0 || reply.Arg(0) != "Cannot change admin account permissions" {
		t.Errorf("admin reply %d %v", reply.CmdType, reply.Payload)
	}
	if msg.users[types.AdminName].UGroup != types.GroupAdmin {
		t.Error("admin group changed")
	}

	reply = dataDo(d, CmdSetGroup, `{"name":"nobody","ugroup":1}`)
	if reply.CmdType != 0 || reply.Arg(0) != "User group update failed" {
		t.Errorf("missing reply %d %v", reply.CmdType, reply.Payload)
	}
}

func TestSetPassword(t *testing.T) {
	d, msg := newTestData(t)

	reply := dataDo(d, CmdSetPassword, `{"name":"admin","pwd":"new"}`)
	if reply.CmdType != CmdSetPassword || reply.Arg(0) != "User password updated" {
		t.Errorf("reply %d %v", reply.CmdType, reply.Payload)
	}
	if msg.users[types.AdminName].Hash != "hash:new" || msg.users[types.AdminName].UGroup != types.GroupAdmin {
		t.Errorf("admin = %+v", msg.users[types.AdminName])
	}

	reply = dataDo(d, CmdSetPassword, `{"name":"nobody","pwd":"x"}`)
	if reply.CmdType != 0 || reply.Arg(0) != "User password update failed" {
		t.Errorf("missing reply %d %v", reply.CmdType, reply.Payload)
	}

	msg.saveErr = errors.New("redis down")
	reply = dataDo(d, CmdSetPassword, `{"name":"admin","pwd":"newer"}`)
	if reply.CmdType != 0 || reply.Arg(0) != "User password update failed" {
		t.Errorf("save error reply %d %v", reply.CmdType, reply.Payload)
	}
}

type mockArchive struct {
	mu    sync.Mutex
	puts  int
	snaps [][]byte
	since time.Time
}

func (m *mockArchive) Put(ts time.Time, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.snaps = append(m.snaps, snapshot)
	return nil
}

func (m *mockArchive) Since(ts time.Time) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.since = ts
	return m.snaps, nil
}

func TestTelemetrySampleAndReport(t *testing.T) {
	list := devices.NewList(nil)
	if err := list.Add(types.Device{ID: "bat-1", Name: "Battery", Type: types.DeviceBattery}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	list.SetDiscovery(0, []types.DeviceField{{Name: "voltage", Value: "48"}}, nil)

	transport := &mockTransport{connected: true}
	store := newTestStore(t, transport.AllConnected)
	forceState(t, store, types.StateLocked)

	msg := newMockMessagingClient()
	arc := &mockArchive{}
	tele := NewTelemetryService(list, store, transport, logger.NewNop(), TelemetryOptions{
		PollDevices: true,
		Archive:     arc,
		Publisher:   msg,
	})

	snap := tele.Sample(context.Background())
	if snap.State != types.StateLocked || len(snap.Devices) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if transport.count("discover-all") != 1 || arc.puts != 1 || len(msg.telemetry) != 1 {
		t.Errorf("discover=%d archive=%d publish=%d", transport.count("discover-all"), arc.puts, len(msg.telemetry))
	}

	forceState(t, store, types.StateMoving)
	reply := tele.Handle(context.Background(), packet.NewCommandWithAuth(CmdTelemetryReport, "tok"))
	if reply.CmdType != CmdTelemetryReport || len(reply.Payload) != 2 {
		t.Fatalf("reply %d %v", reply.CmdType, reply.Payload)
	}
	var got TelemetrySnapshot
	if err := json.Unmarshal([]byte(reply.Arg(0)), &got); err != nil {
		t.Fatalf("telemetry payload: %v", err)
	}
	if len(got.Devices) != 1 || len(got.Devices[0].Fields) != 1 || got.Devices[0].Fields[0].Value != "48" {
		t.Errorf("telemetry = %+v", got)
	}
	if reply.Arg(1) != `"Moving"` {
		t.Errorf("state payload = %s, want \"Moving\"", reply.Arg(1))
	}
}

func TestTelemetryReportBeforeFirstSample(t *testing.T) {
	store := newTestStore(t, nil)
	tele := NewTelemetryService(devices.NewList(nil), store, nil, logger.NewNop(), TelemetryOptions{})

	reply := tele.Handle(context.Background(), packet.NewCommand(CmdTelemetryReport))
	if reply.CmdType != CmdTelemetryReport || reply.Arg(1) != `"Unlocked"` {
		t.Errorf("reply %d %v", reply.CmdType, reply.Payload)
	}

	reply = tele.Handle(context.Background(), packet.NewCommand(CmdTelemetryHistory))
	if reply.CmdType != 0 || reply.Arg(0) != "Telemetry archive disabled" {
		t.Errorf("history reply %d %v", reply.CmdType, reply.Payload)
	}

	reply = tele.Handle(context.Background(), packet.NewCommand(140))
	if reply.CmdType != 0 || reply.Arg(0) != "Command not implemented" {
		t.Errorf("reply %d %v", reply.CmdType, reply.Payload)
	}
}

func TestTelemetrySkipsWhileUnlocked(t *testing.T) {
	transport := &mockTransport{}
	store := newTestStore(t, transport.AllConnected)
	arc := &mockArchive{}
	tele := NewTelemetryService(devices.NewList(nil), store, transport, logger.NewNop(), TelemetryOptions{
		Interval: 5 * time.Millisecond,
		Archive:  arc,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tele.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	arc.mu.Lock()
	puts := arc.puts
	arc.mu.Unlock()
	if puts != 0 {
		t.Errorf("sampled %d times while Unlocked", puts)
	}

	forceState(t, store, types.StateLocked)
	eventually(t, "sample while Locked", func() bool {
		arc.mu.Lock()
		defer arc.mu.Unlock()
		return arc.puts > 0
	})
	cancel()
	<-done
}

func TestTelemetryHistory(t *testing.T) {
	transport := &mockTransport{connected: true}
	store := newTestStore(t, transport.AllConnected)
	forceState(t, store, types.StateLocked)
	arc := &mockArchive{}
	tele := NewTelemetryService(devices.NewList(nil), store, transport, logger.NewNop(), TelemetryOptions{Archive: arc})
	tele.Sample(context.Background())
	tele.Sample(context.Background())

	reply := tele.Handle(context.Background(), packet.NewCommand(CmdTelemetryHistory, "2026-01-02T03:04:05Z"))
	if reply.CmdType != CmdTelemetryHistory {
		t.Fatalf("reply %d %v", reply.CmdType, reply.Payload)
	}
	var got []TelemetrySnapshot
	if err := json.Unmarshal([]byte(reply.Arg(0)), &got); err != nil {
		t.Fatalf("history payload: %v", err)
	}
	if len(got) != 2 || got[0].State != types.StateLocked {
		t.Errorf("history = %+v", got)
	}
	if want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC); !arc.since.Equal(want) {
		t.Errorf("since = %v, want %v", arc.since, want)
	}

	reply = tele.Handle(context.Background(), packet.NewCommand(CmdTelemetryHistory, "yesterday"))
	if reply.CmdType != 0 || reply.Arg(0) != "Malformed timestamp" {
		t.Errorf("reply %d %v", reply.CmdType, reply.Payload)
	}
}

type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, cmd *packet.Command) *packet.Command {
	return cmd.Reply(cmd.CmdType, cmd.Payload...)
}

func TestMailboxConcurrentCallers(t *testing.T) {
	m := NewMailbox("echo", echoHandler{}, 4, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := string(rune('A' + i%26))
			reply, err := m.Call(ctx, packet.NewCommand(uint8(i), want))
			if err != nil {
				t.Errorf("Call %d: %v", i, err)
				return
			}
			if reply.CmdType != uint8(i) || reply.Arg(0) != want {
				t.Errorf("call %d got reply %d %v", i, reply.CmdType, reply.Payload)
			}
		}(i)
	}
	wg.Wait()
}

func TestMailboxCallAfterStop(t *testing.T) {
	m := NewMailbox("echo", echoHandler{}, 4, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()
	<-done

	if _, err := m.Call(context.Background(), packet.NewCommand(1)); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Call after stop = %v, want ErrUnavailable", err)
	}
}
