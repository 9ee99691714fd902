package changefeed

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rottym/fambam/internal/logging"
	"github.com/rottym/fambam/internal/model"
)

func change(familyID int64, collection string, seq int64) model.Change {
	return model.Change{Seq: seq, FamilyID: familyID, Collection: collection, DocID: seq, Op: model.OpCreated}
}

func TestListenClose(t *testing.T) {
	feed := New(logging.Discard())

	l1 := feed.Listen(Key{FamilyID: 1})
	l2 := feed.Listen(Key{})
	if got := feed.ListenerCount(); got != 2 {
		t.Fatalf("expected 2 listeners, got %d", got)
	}

	l1.Close()
	l1.Close()
	if got := feed.ListenerCount(); got != 1 {
		t.Fatalf("expected 1 listener after close, got %d", got)
	}
	select {
	case <-l1.Done():
	default:
		t.Fatal("closed listener should be done")
	}
	if l1.Err() != nil {
		t.Errorf("owner close should leave nil error, got %v", l1.Err())
	}
	l2.Close()
}

func TestPublishFilters(t *testing.T) {
	feed := New(logging.Discard())

	tasks := feed.Listen(Key{FamilyID: 1, Collection: model.CollectionTasks})
	family := feed.Listen(Key{FamilyID: 1})
	other := feed.Listen(Key{FamilyID: 2})
	defer tasks.Close()
	defer family.Close()
	defer other.Close()

	feed.Publish(change(1, model.CollectionTasks, 1))
	feed.Publish(change(1, model.CollectionEvents, 2))

	if got := len(tasks.C()); got != 1 {
		t.Errorf("tasks listener got %d changes, want 1", got)
	}
	if got := len(family.C()); got != 2 {
		t.Errorf("family listener got %d changes, want 2", got)
	}
	if got := len(other.C()); got != 0 {
		t.Errorf("other family listener got %d changes, want 0", got)
	}
}

func TestSlowListenerDropped(t *testing.T) {
	feed := New(logging.Discard())
	l := feed.Listen(Key{})

	for i := 0; i <= listenerBufferSize; i++ {
		feed.Publish(change(1, model.CollectionTasks, int64(i+1)))
	}

	select {
	case <-l.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("slow listener should have been dropped")
	}
	if !errors.Is(l.Err(), ErrSlowConsumer) {
		t.Errorf("err = %v, want ErrSlowConsumer", l.Err())
	}
	if got := feed.ListenerCount(); got != 0 {
		t.Errorf("expected 0 listeners, got %d", got)
	}
}

func TestCloseFeed(t *testing.T) {
	feed := New(logging.Discard())
	l := feed.Listen(Key{})
	feed.Close()

	<-l.Done()
	if !errors.Is(l.Err(), ErrFeedClosed) {
		t.Errorf("err = %v, want ErrFeedClosed", l.Err())
	}

	late := feed.Listen(Key{})
	select {
	case <-late.Done():
	default:
		t.Fatal("listener on closed feed should be done immediately")
	}
}

func TestConcurrentAccess(t *testing.T) {
	feed := New(logging.Discard())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := feed.Listen(Key{FamilyID: int64(i % 3)})
			feed.Publish(change(int64(i%3), model.CollectionTasks, int64(i)))
			l.Close()
		}(i)
	}
	wg.Wait()

	if got := feed.ListenerCount(); got != 0 {
		t.Errorf("expected 0 listeners after concurrent test, got %d", got)
	}
}
