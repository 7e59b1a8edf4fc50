package node

import (
	"testing"
	"time"

	"github.com/hvfs/metadata/internal/dh"
	"github.com/hvfs/metadata/internal/transport"
	"github.com/hvfs/metadata/pkg/logger"
	"github.com/hvfs/metadata/pkg/options"
	"github.com/hvfs/metadata/pkg/siteid"
)

func testOptions(t *testing.T) options.Options {
	t.Helper()
	return options.Build(
		options.WithDataDir(t.TempDir()),
		options.WithSegmentSize(options.MinSegmentSize),
	)
}

func TestNewWiresMDSSubsystems(t *testing.T) {
	n, err := New(Config{
		Options:   testOptions(t),
		Role:      siteid.RoleMDS,
		SiteID:    siteid.ID(1),
		Fsid:      1,
		Transport: transport.NewInProc(),
		Logger:    logger.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	if n.Ring == nil || n.Addr == nil || n.Storage == nil || n.Table == nil || n.DH == nil || n.Txg == nil {
		t.Fatalf("an MDS node should have every MDS subsystem wired, got %+v", n)
	}
	if n.Registry != nil {
		t.Fatalf("an MDS node should not have a Registry")
	}
}

func TestNewWiresMDSLStorageOnly(t *testing.T) {
	n, err := New(Config{
		Options:   testOptions(t),
		Role:      siteid.RoleMDSL,
		SiteID:    siteid.ID(2),
		Transport: transport.NewInProc(),
		Logger:    logger.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	if n.Storage == nil {
		t.Fatalf("an MDSL node should have Storage wired")
	}
	if n.Ring != nil || n.Table != nil || n.DH != nil || n.Txg != nil || n.Registry != nil {
		t.Fatalf("an MDSL node should only have Storage wired, got %+v", n)
	}
}

func TestNewWiresR2RegistryOnly(t *testing.T) {
	n, err := New(Config{
		Options:   testOptions(t),
		Role:      siteid.RoleR2,
		Transport: transport.NewInProc(),
		Logger:    logger.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	if n.Registry == nil {
		t.Fatalf("an R2 node should have Registry wired")
	}
	if n.Ring != nil || n.Storage != nil || n.Table != nil {
		t.Fatalf("an R2 node should only have Registry wired, got %+v", n)
	}
}

func TestNewRejectsMissingTransport(t *testing.T) {
	_, err := New(Config{Options: testOptions(t), Role: siteid.RoleMDS})
	if err == nil {
		t.Fatalf("want an error when no transport is supplied")
	}
}

func TestNewRejectsUnsupportedRole(t *testing.T) {
	_, err := New(Config{Options: testOptions(t), Role: siteid.RoleClient, Transport: transport.NewInProc()})
	if err == nil {
		t.Fatalf("want an error for a role node doesn't stand up on its own")
	}
}

func TestRegisterDirectoryRequiresMDSRole(t *testing.T) {
	n, err := New(Config{
		Options:   testOptions(t),
		Role:      siteid.RoleMDSL,
		Transport: transport.NewInProc(),
		Logger:    logger.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	if err := n.RegisterDirectory(dh.DHE{UUID: 99}); err == nil {
		t.Fatalf("want an error registering a directory on a non-MDS node")
	}
}

func TestRegisterDirectoryPublishesIntoGDT(t *testing.T) {
	n, err := New(Config{
		Options:   testOptions(t),
		Role:      siteid.RoleMDS,
		SiteID:    siteid.ID(1),
		Fsid:      1,
		Transport: transport.NewInProc(),
		Logger:    logger.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	d := dh.DHE{UUID: 123, Salt: 0xabc, RingGroup: ringGroupMDS, GDTBitmap: true}
	if err := n.RegisterDirectory(d); err != nil {
		t.Fatalf("RegisterDirectory: %v", err)
	}

	backend := &cbhtDHBackend{table: n.Table, store: n.Storage}
	got, err := backend.LookupGDT(d.UUID)
	if err != nil {
		t.Fatalf("LookupGDT: %v", err)
	}
	if got.UUID != d.UUID || got.Salt != d.Salt || got.RingGroup != d.RingGroup || got.GDTBitmap != d.GDTBitmap {
		t.Fatalf("round-tripped DHE mismatch: want %+v, got %+v", d, got)
	}
}

func TestRunAndStopMDSNode(t *testing.T) {
	n, err := New(Config{
		Options:   testOptions(t),
		Role:      siteid.RoleMDS,
		SiteID:    siteid.ID(1),
		Fsid:      1,
		Transport: transport.NewInProc(),
		Logger:    logger.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- n.Run() }()

	n.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned an error after Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}

	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestListenAddrAcceptsConns(t *testing.T) {
	tr := transport.NewInProc()
	n, err := New(Config{
		Options:    testOptions(t),
		Role:       siteid.RoleMDSL,
		SiteID:     siteid.ID(3),
		Transport:  tr,
		Logger:     logger.Nop(),
		ListenAddr: "mdsl:3",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- n.Run() }()

	conn, err := tr.Dial("mdsl:3")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	n.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned an error after Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
