package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/newtron-network/swconf/pkg/util"
)

// gatedBackend holds the next Persist until release is closed.
type gatedBackend struct {
	*MemoryBackend
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{
		MemoryBackend: NewMemoryBackend(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedBackend) Persist(ctx context.Context, from, to uint64, changes []RecordChange) error {
	gated := false
	g.once.Do(func() { gated = true })
	if gated {
		close(g.entered)
		<-g.release
	}
	return g.MemoryBackend.Persist(ctx, from, to, changes)
}

func TestCommit_ParallelWritersSerialize(t *testing.T) {
	st, backend := newTestStore(t)
	const writers = 32

	notes, cancel := st.Subscribe(writers)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	versions := make(chan uint64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := st.Commit(context.Background(), NewChangeSet("test").
				Set("vlan", fmt.Sprint(100+i), "name", String(fmt.Sprintf("v%d", 100+i))))
			if err != nil {
				errs <- err
				return
			}
			versions <- snap.Version()
		}(i)
	}
	// Readers run alongside the writers and always see a whole snapshot.
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := st.Snapshot()
				if n := snap.Len("vlan"); uint64(n) != snap.Version() {
					errs <- fmt.Errorf("snapshot %d holds %d vlans", snap.Version(), n)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	readers.Wait()
	close(errs)
	close(versions)

	for err := range errs {
		t.Error(err)
	}
	var got []uint64
	for v := range versions {
		got = append(got, v)
	}
	slices.Sort(got)
	for i, v := range got {
		if v != uint64(i+1) {
			t.Fatalf("versions = %v, want 1..%d without gaps or repeats", got, writers)
		}
	}
	if st.Version() != writers || backend.Version() != writers {
		t.Errorf("store version %d, backend version %d, want %d", st.Version(), backend.Version(), writers)
	}
	if n := len(slices.Collect(st.Scan("vlan"))); n != writers {
		t.Errorf("%d vlans after %d commits, lost updates", n, writers)
	}
	for i := uint64(1); i <= writers; i++ {
		if n := <-notes; n.Version != i {
			t.Fatalf("notification version = %d, want %d", n.Version, i)
		}
	}
}

func TestCommit_ConcurrentDeleteConflicts(t *testing.T) {
	backend := newGatedBackend()
	backend.Put("vlan", "10", map[string]string{"name": "v10"})
	st, err := New(context.Background(), testSchema(t), backend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer st.Close()
	base := st.Version()

	deleted := make(chan error, 1)
	go func() {
		_, err := st.Commit(context.Background(), NewChangeSet("delete").Delete("vlan", "10"))
		deleted <- err
	}()
	<-backend.entered

	// The delete is inside Persist holding the writer lock; reads still return.
	read := make(chan error, 1)
	go func() {
		if _, err := st.Get("vlan", "10"); err != nil {
			read <- err
			return
		}
		if n := len(slices.Collect(st.Scan("vlan"))); n != 1 {
			read <- fmt.Errorf("Scan returned %d vlans, want 1", n)
			return
		}
		read <- nil
	}()
	select {
	case err := <-read:
		if err != nil {
			t.Fatalf("read during commit: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Get/Scan blocked behind a commit")
	}

	referencing := make(chan error, 1)
	go func() {
		_, err := st.Commit(context.Background(), NewChangeSet("attach").Based(base).
			Set("interface", "eth0", "vlan", String("10")))
		referencing <- err
	}()

	close(backend.release)
	if err := <-deleted; err != nil {
		t.Fatalf("delete commit: %v", err)
	}
	err = <-referencing
	if !errors.Is(err, util.ErrConflictDetected) {
		t.Fatalf("referencing commit error = %v, want ErrConflictDetected", err)
	}
	if _, err := st.Get("interface", "eth0"); !errors.Is(err, util.ErrNotFound) {
		t.Errorf("interface|eth0 committed despite conflict: %v", err)
	}
}
