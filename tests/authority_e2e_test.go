package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/DasDarki/MagicWire/examples/counter"
	"github.com/DasDarki/MagicWire/protocol"
)

// Ownership end to end: claiming the profile object restricts it to the
// claiming session for snapshots, invocation and push delivery.
func TestClaimedObjectIsScopedToOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv, app := startServer(t, nil)
	if err := app.Register(counter.Objects(app)...); err != nil {
		t.Fatalf("register: %v", err)
	}

	owner, _ := initSession(t, srv, "")
	other, _ := initSession(t, srv, "")

	res := invokeResult(t, srv, owner, "counter", "claimProfile")
	if !res.Empty {
		t.Fatalf("claim result = %+v", res)
	}

	// The owner still sees the profile in a fresh snapshot; the other
	// session no longer does.
	_, bodyOwner := initSession(t, srv, owner)
	if _, ok := bodyOwner["profile"]; !ok {
		t.Fatal("owner snapshot must include the claimed object")
	}
	_, bodyOther := initSession(t, srv, other)
	if _, ok := bodyOther["profile"]; ok {
		t.Fatal("outsider snapshot must omit the claimed object")
	}

	// Invocation outside the authority set is forbidden without leaking
	// whether the operation exists.
	resp := invoke(t, srv, other, "profile", "setName", map[string]string{"name": "eve"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider invoke status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	// Push delivery follows the authority set.
	ownerCtx, cancelOwner := context.WithCancel(ctx)
	defer cancelOwner()
	ownerStream := openStream(ownerCtx, t, srv, owner)
	defer ownerStream.Close()

	otherCtx, cancelOther := context.WithCancel(ctx)
	otherStream := openStream(otherCtx, t, srv, other)
	defer otherStream.Close()

	if res := invokeResult(t, srv, owner, "profile", "setName", map[string]string{"name": "ada"}); !res.Empty {
		t.Fatalf("setName result = %+v", res)
	}

	msg, err := waitForPush(ctx, ownerStream, protocol.KindFieldChange, "profile", "name", 5*time.Second)
	if err != nil {
		t.Fatalf("owner stream: %v", err)
	}
	var name string
	if err := json.Unmarshal(msg.Value, &name); err != nil || name != "ada" {
		t.Fatalf("pushed name = %s err=%v", msg.Value, err)
	}

	// The outsider stream must stay silent. Bound the read by tearing the
	// stream down shortly after.
	silent := make(chan error, 1)
	go func() {
		_, err := waitForPush(otherCtx, otherStream, protocol.KindFieldChange, "profile", "name", 2*time.Second)
		silent <- err
	}()
	time.Sleep(300 * time.Millisecond)
	cancelOther()
	if err := <-silent; err == nil {
		t.Fatal("outsider stream received a restricted push")
	}

	// Second claim attempt fails and is absorbed as an operation failure.
	if res := invokeResult(t, srv, other, "counter", "claimProfile"); !res.Empty {
		t.Fatalf("second claim result = %+v", res)
	}
}

// The schema endpoint mirrors Init visibility without creating sessions.
func TestSchemaRespectsAuthority(t *testing.T) {
	t.Parallel()

	srv, app := startServer(t, nil)
	if err := app.Register(counter.Objects(app)...); err != nil {
		t.Fatalf("register: %v", err)
	}

	owner, _ := initSession(t, srv, "")
	if res := invokeResult(t, srv, owner, "counter", "claimProfile"); !res.Empty {
		t.Fatalf("claim result = %+v", res)
	}

	fetch := func(token string) map[string]json.RawMessage {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/wire/schema", nil)
		if token != "" {
			req.Header.Set("Mw-Session", token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("schema: %v", err)
		}
		defer resp.Body.Close()
		var doc struct {
			Objects map[string]json.RawMessage `json:"objects"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			t.Fatalf("decode schema: %v", err)
		}
		return doc.Objects
	}

	anon := fetch("")
	if _, ok := anon["counter"]; !ok {
		t.Fatal("anonymous schema must include public objects")
	}
	if _, ok := anon["profile"]; ok {
		t.Fatal("anonymous schema must omit restricted objects")
	}

	owned := fetch(owner)
	if _, ok := owned["profile"]; !ok {
		t.Fatal("owner schema must include the claimed object")
	}

	// Schema reads never mint sessions.
	before := app.Sessions.Len()
	fetch("unknown-token")
	if app.Sessions.Len() != before {
		t.Fatal("schema read must not create a session")
	}
}
