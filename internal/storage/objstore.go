package storage

import (
	"io"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Dir is the versioned object directory: it implements Storage over any KV
// Store. Each object has a head record holding its current version and one
// data record per retained version (only the latest is kept).
type Dir struct {
	kv  Store
	typ Type

	// Unversioned directories report VersionUnknown to readers. The head
	// records are still maintained so writes stay consistent.
	versioned bool

	mu    sync.Mutex
	saves map[ObjId]*sync.Mutex

	events    chan NodeEvent
	closeOnce sync.Once
}

var _ Storage = (*Dir)(nil)

type DirOption func(*Dir)

// WithoutVersions makes the directory report VersionUnknown on reads,
// mimicking backends that cannot track versions.
func WithoutVersions() DirOption {
	return func(d *Dir) { d.versioned = false }
}

func NewDir(kv Store, typ Type, opts ...DirOption) *Dir {
	d := &Dir{
		kv:        kv,
		typ:       typ,
		versioned: true,
		saves:     make(map[ObjId]*sync.Mutex),
		events:    make(chan NodeEvent, 64),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dir) Type() Type { return d.typ }

func (d *Dir) NewObjId() (ObjId, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", errors.Wrap(err, "generate obj id")
	}
	return ObjId(u.String()), nil
}

func headKey(id ObjId) Key { return Key("h." + string(id)) }

func dataKey(id ObjId, version uint64) Key {
	return Key("o." + string(id) + "." + strconv.FormatUint(version, 10))
}

func (d *Dir) GetObj(id ObjId) (*ObjSource, error) {
	head, err := d.kv.Get(headKey(id))
	if err != nil {
		return nil, err
	}
	version, err := strconv.ParseUint(string(head), 10, 64)
	if err != nil {
		return nil, errorf("Dir.GetObj", "corrupt head record for %q: %v", id, err)
	}
	b, err := d.kv.Get(dataKey(id, version))
	if err != nil {
		return nil, err
	}
	src := &ObjSource{Version: version, Bytes: b}
	if !d.versioned {
		src.Version = VersionUnknown
	}
	return src, nil
}

// SaveObj reads the whole pushed stream and commits it as the given version.
// Concurrent saves for the same id are serialized; distinct ids proceed in
// parallel.
func (d *Dir) SaveObj(id ObjId, version uint64, src io.Reader) error {
	b, err := io.ReadAll(src)
	if err != nil {
		return errors.Wrapf(err, "reading pushed bytes for %q", id)
	}
	mu := d.saveMutex(id)
	mu.Lock()
	defer mu.Unlock()
	var prev uint64
	if head, err := d.kv.Get(headKey(id)); err == nil {
		prev, _ = strconv.ParseUint(string(head), 10, 64)
	}
	if err := d.kv.Put(dataKey(id, version), b); err != nil {
		return err
	}
	if err := d.kv.Put(headKey(id), Value(strconv.FormatUint(version, 10))); err != nil {
		return err
	}
	if prev != 0 && prev != version {
		if err := d.kv.Delete(dataKey(id, prev)); err != nil && !errors.Is(err, ErrNotFound) {
			log.WithFields(log.Fields{
				"obj":     id,
				"version": prev,
				"cause":   err.Error(),
			}).Warning("Could not remove superseded object version")
		}
	}
	return nil
}

func (d *Dir) RemoveObj(id ObjId) error {
	mu := d.saveMutex(id)
	mu.Lock()
	defer mu.Unlock()
	head, err := d.kv.Get(headKey(id))
	if errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil {
		return err
	}
	version, _ := strconv.ParseUint(string(head), 10, 64)
	if err := d.kv.Delete(headKey(id)); err != nil {
		return err
	}
	if err := d.kv.Delete(dataKey(id, version)); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (d *Dir) Events() <-chan NodeEvent { return d.events }

// Inject feeds an externally-originated event into the stream. Sync adapters
// call this when the remote side changes an object.
func (d *Dir) Inject(ev NodeEvent) {
	select {
	case d.events <- ev:
	default:
		log.WithField("obj", ev.ObjId).Warning("Dropping external node event, consumer too slow")
	}
}

func (d *Dir) Close() error {
	d.closeOnce.Do(func() { close(d.events) })
	return nil
}

func (d *Dir) saveMutex(id ObjId) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	mu := d.saves[id]
	if mu == nil {
		mu = new(sync.Mutex)
		d.saves[id] = mu
	}
	return mu
}
