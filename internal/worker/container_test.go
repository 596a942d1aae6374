package worker

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shellgate/shellgate/internal/cache"
)

func TestRegisterInstallsAndActivates(t *testing.T) {
	store := cache.NewMemoryStore()
	network := &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}
	c := newTestContainer(t, store, network)

	inst := mustRegister(t, c, keypadManifest("v1"))
	if inst.State() != StateActivated {
		t.Fatalf("first install should activate immediately, got %s", inst.State())
	}
	if c.Active() != inst {
		t.Fatalf("instance should be active")
	}
	status := inst.Status()
	if !status.Precache.Bulk || len(status.Precache.Stored) != 6 {
		t.Fatalf("bulk precache should store every asset: %+v", status.Precache)
	}
	for _, call := range network.calls {
		if !call.NoCache {
			t.Fatalf("precache fetch %s should carry no-cache", RequestKey(call.URL))
		}
	}
	keys, err := store.Keys(context.Background(), "keypad", "phone-keypad-v1")
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 6 {
		t.Fatalf("expected 6 cached keys, got %v", keys)
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	store := cache.NewMemoryStore()
	network := &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}
	c := newTestContainer(t, store, network)

	first := mustRegister(t, c, keypadManifest("v1"))
	keysBefore, _ := store.Keys(context.Background(), "keypad", first.Generation.Name)
	network.reset()

	second := mustRegister(t, c, keypadManifest("v1"))
	if second != first {
		t.Fatalf("re-registering the same version must return the existing instance")
	}
	if network.count() != 0 {
		t.Fatalf("re-registering must not refetch, got %d calls", network.count())
	}
	gens, _ := store.Generations(context.Background(), "keypad")
	if len(gens) != 1 || gens[0] != "phone-keypad-v1" {
		t.Fatalf("expected a single generation, got %v", gens)
	}
	keysAfter, _ := store.Keys(context.Background(), "keypad", first.Generation.Name)
	sort.Strings(keysBefore)
	sort.Strings(keysAfter)
	if len(keysBefore) != len(keysAfter) {
		t.Fatalf("entries changed: %v -> %v", keysBefore, keysAfter)
	}
	for i := range keysBefore {
		if keysBefore[i] != keysAfter[i] {
			t.Fatalf("entries changed: %v -> %v", keysBefore, keysAfter)
		}
	}
}

func TestRegisterToleratesPartialFailure(t *testing.T) {
	store := cache.NewMemoryStore()
	files := keypadFiles("v1")
	base := siteHandler(files)
	network := &fakeNetwork{handler: func(req *Request) (*Response, error) {
		switch RequestKey(req.URL) {
		case "/styles.css":
			return nil, errOffline
		case "/app.js":
			return &Response{Status: http.StatusInternalServerError, Header: http.Header{}}, nil
		}
		return base(req)
	}}
	c := newTestContainer(t, store, network)

	inst := mustRegister(t, c, keypadManifest("v1"))
	if inst.State() != StateActivated {
		t.Fatalf("install must reach activated despite failures, got %s", inst.State())
	}
	report := inst.Status().Precache
	if report.Bulk {
		t.Fatalf("bulk attempt should have failed")
	}
	if len(report.Stored) != 4 {
		t.Fatalf("expected 4 stored assets, got %v", report.Stored)
	}
	if _, ok := report.Failed["/styles.css"]; !ok {
		t.Fatalf("styles.css should be recorded as failed: %v", report.Failed)
	}
	if _, ok := report.Failed["/app.js"]; !ok {
		t.Fatalf("app.js should be recorded as failed: %v", report.Failed)
	}
	ctx := context.Background()
	if _, err := store.Get(ctx, cache.Locator{Namespace: "keypad", Generation: "phone-keypad-v1", Key: "/index.html"}); err != nil {
		t.Fatalf("index.html should be cached: %v", err)
	}
	if _, err := store.Get(ctx, cache.Locator{Namespace: "keypad", Generation: "phone-keypad-v1", Key: "/app.js"}); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("failed asset must not be cached, got %v", err)
	}
}

func TestRegisterFailsWhenGenerationCannotBeCreated(t *testing.T) {
	store := &faultyStore{Store: cache.NewMemoryStore(), createErr: errors.New("disk full")}
	network := &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}
	c := newTestContainer(t, store, network)

	if _, err := c.Register(context.Background(), keypadManifest("v1")); err == nil {
		t.Fatalf("install should fail when the generation cannot be created")
	}
	if c.Active() != nil || c.Waiting() != nil {
		t.Fatalf("failed install must not leave an instance behind")
	}
	if network.count() != 0 {
		t.Fatalf("no asset should be fetched, got %d", network.count())
	}
}

func TestActivationLeavesSingleGeneration(t *testing.T) {
	store := cache.NewMemoryStore()
	ctx := context.Background()
	// 旧版本遗留的代际，以及其它 App 的代际。
	for _, gen := range []string{"phone-keypad-v0", "legacy-cache"} {
		if err := store.CreateGeneration(ctx, "keypad", gen); err != nil {
			t.Fatalf("seed error: %v", err)
		}
	}
	if err := store.CreateGeneration(ctx, "docs", "docs-v1"); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	network := &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}
	c := newTestContainer(t, store, network)
	mustRegister(t, c, keypadManifest("v1"))

	network.setHandler(siteHandler(keypadFiles("v2")))
	v2 := mustRegister(t, c, keypadManifest("v2"))
	if v2.State() != StateActivated {
		t.Fatalf("v2 should activate when no client is controlled, got %s", v2.State())
	}

	gens, _ := store.Generations(ctx, "keypad")
	if len(gens) != 1 || gens[0] != "phone-keypad-v2" {
		t.Fatalf("exactly one generation should remain, got %v", gens)
	}
	other, _ := store.Generations(ctx, "docs")
	if len(other) != 1 {
		t.Fatalf("other apps' generations must not be touched, got %v", other)
	}
}

func TestActivationContinuesWhenDeleteFails(t *testing.T) {
	store := &faultyStore{Store: cache.NewMemoryStore()}
	network := &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}
	c := newTestContainer(t, store, network)
	mustRegister(t, c, keypadManifest("v1"))

	store.set(func(s *faultyStore) { s.deleteErr = errors.New("permission denied") })
	network.setHandler(siteHandler(keypadFiles("v2")))
	v2 := mustRegister(t, c, keypadManifest("v2"))
	if v2.State() != StateActivated {
		t.Fatalf("delete failures must not block activation, got %s", v2.State())
	}
}

func TestNewVersionWaitsForControlledClients(t *testing.T) {
	store := cache.NewMemoryStore()
	network := &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}
	c := newTestContainer(t, store, network)
	ctx := context.Background()

	v1 := mustRegister(t, c, keypadManifest("v1"))
	c.Route(ctx, navigationRequest(t, "https://keypad.local/"), "client-a")

	network.setHandler(siteHandler(keypadFiles("v2")))
	v2 := mustRegister(t, c, keypadManifest("v2"))
	if v2.State() != StateInstalled {
		t.Fatalf("v2 should wait while v1 controls a client, got %s", v2.State())
	}
	if c.Active() != v1 || c.Waiting() != v2 {
		t.Fatalf("v1 should stay active with v2 waiting")
	}
	gens, _ := store.Generations(ctx, "keypad")
	if len(gens) != 2 {
		t.Fatalf("both generations exist while waiting, got %v", gens)
	}

	if !c.ReleaseClient(ctx, "client-a") {
		t.Fatalf("client-a should be released")
	}
	if c.Active() != v2 {
		t.Fatalf("closing the last client should activate the waiting instance")
	}
	if v1.State() != StateRedundant {
		t.Fatalf("v1 should be redundant, got %s", v1.State())
	}
	gens, _ = store.Generations(ctx, "keypad")
	if len(gens) != 1 || gens[0] != "phone-keypad-v2" {
		t.Fatalf("only v2 should remain, got %v", gens)
	}
}

func TestSkipWaitingActivatesWaitingInstance(t *testing.T) {
	store := cache.NewMemoryStore()
	network := &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}
	c := newTestContainer(t, store, network)
	ctx := context.Background()

	if err := c.SkipWaiting(ctx); !errors.Is(err, ErrNothingWaiting) {
		t.Fatalf("expected ErrNothingWaiting, got %v", err)
	}

	mustRegister(t, c, keypadManifest("v1"))
	c.Route(ctx, navigationRequest(t, "https://keypad.local/"), "client-a")
	network.setHandler(siteHandler(keypadFiles("v2")))
	v2 := mustRegister(t, c, keypadManifest("v2"))

	if err := c.SkipWaiting(ctx); err != nil {
		t.Fatalf("SkipWaiting error: %v", err)
	}
	if c.Active() != v2 {
		t.Fatalf("v2 should be active after SkipWaiting")
	}
	if controller, _ := c.Clients().Controller("client-a"); controller != v2.ID {
		t.Fatalf("open clients should be claimed by v2, got %q", controller)
	}
}

func TestSkipWaitingDuringInstallIsRemembered(t *testing.T) {
	store := cache.NewMemoryStore()
	network := &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}
	c := newTestContainer(t, store, network)
	ctx := context.Background()

	mustRegister(t, c, keypadManifest("v1"))
	c.Route(ctx, navigationRequest(t, "https://keypad.local/"), "client-a")

	gate := make(chan struct{})
	v2Files := siteHandler(keypadFiles("v2"))
	network.setHandler(func(req *Request) (*Response, error) {
		<-gate
		return v2Files(req)
	})

	done := make(chan *Instance, 1)
	go func() {
		inst, err := c.Register(ctx, keypadManifest("v2"))
		if err != nil {
			t.Errorf("Register error: %v", err)
		}
		done <- inst
	}()
	waitFor(t, func() bool { return c.Status(ctx).Installing != nil }, "install to start")

	if err := c.SkipWaiting(ctx); err != nil {
		t.Fatalf("SkipWaiting during install should be accepted: %v", err)
	}
	close(gate)
	v2 := <-done
	if v2 == nil || v2.State() != StateActivated {
		t.Fatalf("v2 should activate right after install")
	}
}

func TestNewerInstallReplacesWaiting(t *testing.T) {
	store := cache.NewMemoryStore()
	network := &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}
	c := newTestContainer(t, store, network)
	ctx := context.Background()

	mustRegister(t, c, keypadManifest("v1"))
	c.Route(ctx, navigationRequest(t, "https://keypad.local/"), "client-a")
	v2 := mustRegister(t, c, keypadManifest("v2"))
	v3 := mustRegister(t, c, keypadManifest("v3"))

	if v2.State() != StateRedundant {
		t.Fatalf("replaced waiting instance should be redundant, got %s", v2.State())
	}
	if c.Waiting() != v3 {
		t.Fatalf("v3 should be waiting")
	}
	gens, _ := store.Generations(ctx, "keypad")
	if len(gens) != 2 || gens[0] != "phone-keypad-v1" || gens[1] != "phone-keypad-v3" {
		t.Fatalf("replaced waiting generation should be deleted, got %v", gens)
	}
}

func TestRegisterActiveVersionDropsWaiting(t *testing.T) {
	store := cache.NewMemoryStore()
	network := &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}
	c := newTestContainer(t, store, network)
	ctx := context.Background()

	v1 := mustRegister(t, c, keypadManifest("v1"))
	c.Route(ctx, navigationRequest(t, "https://keypad.local/"), "client-a")
	network.setHandler(siteHandler(keypadFiles("v2")))
	v2 := mustRegister(t, c, keypadManifest("v2"))
	if c.Waiting() != v2 {
		t.Fatalf("v2 should wait behind client-a")
	}

	// 回退到 v1：等待中的 v2 必须作废，否则释放客户端后仍会被激活。
	if got := mustRegister(t, c, keypadManifest("v1")); got != v1 {
		t.Fatalf("registering the active version should return it")
	}
	if c.Waiting() != nil {
		t.Fatalf("waiting v2 should be dropped")
	}
	if v2.State() != StateRedundant {
		t.Fatalf("dropped v2 should be redundant, got %s", v2.State())
	}

	c.ReleaseClient(ctx, "client-a")
	if c.Active() != v1 {
		t.Fatalf("v1 should stay active after the last client leaves, got %s", c.Active().Generation.Name)
	}
	gens, _ := store.Generations(ctx, "keypad")
	if len(gens) != 1 || gens[0] != "phone-keypad-v1" {
		t.Fatalf("only v1 should remain, got %v", gens)
	}
}

func TestRegisterAbortsWhenContextCancelled(t *testing.T) {
	store := cache.NewMemoryStore()
	network := &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}
	c := newTestContainer(t, store, network)
	v1 := mustRegister(t, c, keypadManifest("v1"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	network.setHandler(func(req *Request) (*Response, error) {
		cancel()
		return nil, context.Canceled
	})
	inst, err := c.Register(ctx, keypadManifest("v2"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if inst != nil {
		t.Fatalf("aborted install should not return an instance")
	}
	if c.Active() != v1 || c.Waiting() != nil {
		t.Fatalf("v1 should stay active with nothing waiting")
	}
	gens, _ := store.Generations(context.Background(), "keypad")
	if len(gens) != 1 || gens[0] != "phone-keypad-v1" {
		t.Fatalf("aborted generation should be removed and v1 kept, got %v", gens)
	}

	network.setHandler(offlineHandler)
	resp := c.Route(context.Background(), getRequest(t, "https://keypad.local/app.js", nil), "")
	if resp.Outcome != OutcomeHit || string(resp.Body) != "console.log('v1')" {
		t.Fatalf("v1 assets should still be served, got %s %q", resp.Outcome, resp.Body)
	}
}

func TestRegisterRestoresStoredGeneration(t *testing.T) {
	store := cache.NewMemoryStore()
	mustRegister(t, newTestContainer(t, store, &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}), keypadManifest("v1"))

	// 重启后的容器：网络挂起，注册在后台进行。
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	network := &fakeNetwork{handler: func(req *Request) (*Response, error) {
		<-release
		return nil, errOffline
	}}
	c := newTestContainer(t, store, network)

	done := make(chan error, 1)
	var restored *Instance
	go func() {
		inst, err := c.Register(context.Background(), keypadManifest("v1"))
		restored = inst
		done <- err
	}()
	waitFor(t, func() bool { return c.Active() != nil }, "stored generation to be adopted")

	resp := c.Route(context.Background(), getRequest(t, "https://keypad.local/app.js", nil), "")
	if resp.Outcome != OutcomeHit || string(resp.Body) != "console.log('v1')" {
		t.Fatalf("expected cached app.js, got %s %q", resp.Outcome, resp.Body)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Register error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("complete generation should not be fetched again")
	}
	if restored != c.Active() || restored.State() != StateActivated {
		t.Fatalf("Register should return the adopted instance")
	}
	if network.count() != 0 {
		t.Fatalf("no asset should be fetched for a complete generation, got %d calls", network.count())
	}
}

func TestRegisterServesPreviousGenerationWhileInstalling(t *testing.T) {
	store := cache.NewMemoryStore()
	mustRegister(t, newTestContainer(t, store, &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}), keypadManifest("v1"))

	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	v2Site := siteHandler(keypadFiles("v2"))
	network := &fakeNetwork{handler: func(req *Request) (*Response, error) {
		<-release
		return v2Site(req)
	}}
	c := newTestContainer(t, store, network)

	done := make(chan error, 1)
	go func() {
		_, err := c.Register(context.Background(), keypadManifest("v2"))
		done <- err
	}()
	waitFor(t, func() bool { return c.Active() != nil }, "previous generation to be adopted")
	if c.Active().Version != "v1" {
		t.Fatalf("expected v1 to serve while v2 installs, got %s", c.Active().Version)
	}
	resp := c.Route(context.Background(), getRequest(t, "https://keypad.local/app.js", nil), "")
	if resp.Outcome != OutcomeHit || string(resp.Body) != "console.log('v1')" {
		t.Fatalf("expected cached v1 app.js, got %s %q", resp.Outcome, resp.Body)
	}

	unblock()
	if err := <-done; err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if c.Active().Version != "v2" {
		t.Fatalf("v2 should activate without controlled clients, got %s", c.Active().Version)
	}
	gens, _ := store.Generations(context.Background(), "keypad")
	if len(gens) != 1 || gens[0] != "phone-keypad-v2" {
		t.Fatalf("only v2 should remain, got %v", gens)
	}
}

func TestSweepActivatesAfterIdleClientsExpire(t *testing.T) {
	store := cache.NewMemoryStore()
	network := &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}
	c := newTestContainer(t, store, network)
	ctx := context.Background()

	mustRegister(t, c, keypadManifest("v1"))
	c.Route(ctx, navigationRequest(t, "https://keypad.local/"), "client-a")
	v2 := mustRegister(t, c, keypadManifest("v2"))

	c.Sweep(ctx)
	if c.Active() == v2 {
		t.Fatalf("fresh client should keep v2 waiting")
	}

	later := c.clients.now().Add(2 * c.clients.idle)
	c.clients.now = func() time.Time { return later }
	c.Sweep(ctx)
	if c.Active() != v2 {
		t.Fatalf("v2 should activate once idle clients expire")
	}
}

func TestUpdateUsesManifestSource(t *testing.T) {
	store := cache.NewMemoryStore()
	network := &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}
	version := "v1"
	c := newTestContainer(t, store, network, func(o *Options) {
		o.Source = func() (Manifest, error) { return keypadManifest(version), nil }
	})
	ctx := context.Background()

	inst, err := c.Update(ctx)
	if err != nil || inst.Version != "v1" {
		t.Fatalf("Update error: %v", err)
	}
	version = "v2"
	inst, err = c.Update(ctx)
	if err != nil || inst.Version != "v2" {
		t.Fatalf("second Update should install v2: %v", err)
	}

	noSource := newTestContainer(t, store, network)
	if _, err := noSource.Update(ctx); err == nil {
		t.Fatalf("Update without source should fail")
	}
}

func TestStatusReportsInstancesAndGenerations(t *testing.T) {
	store := cache.NewMemoryStore()
	network := &fakeNetwork{handler: siteHandler(keypadFiles("v1"))}
	c := newTestContainer(t, store, network)
	ctx := context.Background()

	empty := c.Status(ctx)
	if empty.Active != nil || len(empty.Generations) != 0 {
		t.Fatalf("unexpected status before install: %+v", empty)
	}
	mustRegister(t, c, keypadManifest("v1"))
	status := c.Status(ctx)
	if status.Active == nil || status.Active.Generation != "phone-keypad-v1" || status.Active.State != StateActivated {
		t.Fatalf("unexpected active status: %+v", status.Active)
	}
	if len(status.Generations) != 1 {
		t.Fatalf("unexpected generations: %v", status.Generations)
	}
}

func TestInvalidTransitions(t *testing.T) {
	gen, err := NewGeneration("phone-keypad", "v1")
	if err != nil {
		t.Fatalf("NewGeneration error: %v", err)
	}
	inst := newInstance(gen, nil)
	now := time.Now()
	if err := inst.transition(StateActivated, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("installing -> activated should be rejected, got %v", err)
	}
	if err := inst.transition(StateRedundant, now); err != nil {
		t.Fatalf("installing -> redundant should be allowed: %v", err)
	}
	if err := inst.transition(StateInstalled, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("redundant is terminal, got %v", err)
	}
}

func TestNewContainerValidation(t *testing.T) {
	network := &fakeNetwork{handler: offlineHandler}
	if _, err := NewContainer(Options{Origin: testOrigin(), Store: cache.NewMemoryStore(), Network: network}); err == nil {
		t.Fatalf("missing app name should fail")
	}
	if _, err := NewContainer(Options{App: "keypad", Store: cache.NewMemoryStore(), Network: network}); err == nil {
		t.Fatalf("missing origin should fail")
	}
	if _, err := NewContainer(Options{App: "keypad", Origin: testOrigin(), Network: network}); !errors.Is(err, cache.ErrStoreUnavailable) {
		t.Fatalf("missing store should fail with ErrStoreUnavailable, got %v", err)
	}
}
