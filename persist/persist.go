// Package persist implements the persistent object storage collaborator
// of spec §6.5: a path-keyed backend exposing load/save/list_mandatory/
// list_used/archive, plus a Binder that wires a Save-mode link to a
// backend row with a configurable write delay.
//
// Grounded on storage/disk.go (DiskStore, atomic write-then-rename),
// storage/s3.go (s3Store atop github.com/aws/aws-sdk-go), and
// storage/null.go (NullStore) — the teacher's three Store
// implementations, generalized from content-addressed blob keys to ARN
// path keys plus a small metadata/flags record.
package persist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/arn-go/arnd/handle"
	"github.com/arn-go/arnd/link"
	"github.com/arn-go/arnd/value"
	log "github.com/sirupsen/logrus"
	pkgerrors "github.com/pkg/errors"
)

// ErrNotFound is returned by Backend.Load for a path with no saved row.
var ErrNotFound = errors.New("persist: not found")

// Flags records whether a row is mandatory (loaded unconditionally at
// startup) and/or merely used (previously saved, loaded lazily on open).
type Flags byte

const (
	FlagMandatory Flags = 1 << iota
	FlagUsed
)

// Record is one persisted row: the link's value (converted to and from
// value.Export wire form by the backend) plus a free-form metadata string
// and flags.
type Record struct {
	Value value.Value
	Meta  string
	Flags Flags
}

// Backend is the collaborator interface of spec §6.5.
type Backend interface {
	Load(path string) (Record, error)
	Save(path string, r Record) error
	Delete(path string) error
	ListMandatory() ([]string, error)
	ListUsed(includeMandatory bool) ([]string, error)
	Archive(name string) error
}

const recordMagic = "ARNP1"

func encodeRecord(r Record) ([]byte, error) {
	vb, err := value.Export(r.Value)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(recordMagic)
	buf.WriteByte(byte(r.Flags))
	var metaLen [4]byte
	binary.BigEndian.PutUint32(metaLen[:], uint32(len(r.Meta)))
	buf.Write(metaLen[:])
	buf.WriteString(r.Meta)
	buf.Write(vb)
	return buf.Bytes(), nil
}

func decodeRecord(b []byte) (Record, error) {
	if len(b) < len(recordMagic)+5 || string(b[:len(recordMagic)]) != recordMagic {
		return Record{}, fmt.Errorf("persist: malformed record")
	}
	i := len(recordMagic)
	flags := Flags(b[i])
	i++
	metaLen := binary.BigEndian.Uint32(b[i : i+4])
	i += 4
	if uint32(len(b)-i) < metaLen {
		return Record{}, fmt.Errorf("persist: truncated record meta")
	}
	meta := string(b[i : i+int(metaLen)])
	i += int(metaLen)
	v, err := value.Import(b[i:])
	if err != nil {
		return Record{}, err
	}
	return Record{Value: v, Meta: meta, Flags: flags}, nil
}

// --- Disk backend ---

// DiskBackend stores one file per path under dir, grounded on
// storage/disk.go's atomic write-then-rename Put and filepath.Walk-based
// ForEach.
type DiskBackend struct {
	dir string
}

func NewDiskBackend(dir string) *DiskBackend { return &DiskBackend{dir: dir} }

func (d *DiskBackend) pathFor(path string) string {
	return filepath.Join(d.dir, strings.TrimPrefix(path, "/"))
}

func (d *DiskBackend) Load(path string) (Record, error) {
	b, err := os.ReadFile(d.pathFor(path))
	if os.IsNotExist(err) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return decodeRecord(b)
}

func (d *DiskBackend) Save(path string, r Record) error {
	b, err := encodeRecord(r)
	if err != nil {
		return err
	}
	p := d.pathFor(path)
	pnew := p + ".new"
	if err := os.MkdirAll(filepath.Dir(p), 0777); err != nil {
		return err
	}
	if err := os.WriteFile(pnew, b, 0666); err != nil {
		return err
	}
	return os.Rename(pnew, p)
}

func (d *DiskBackend) Delete(path string) error {
	err := os.Remove(d.pathFor(path))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (d *DiskBackend) forEach(filter func(Record) bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(d.dir, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			return nil
		}
		if strings.HasSuffix(p, ".new") {
			return nil
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		r, err := decodeRecord(b)
		if err != nil {
			log.WithField("file", p).WithError(err).Warn("persist: skipping malformed record")
			return nil
		}
		if filter(r) {
			rel, _ := filepath.Rel(d.dir, p)
			out = append(out, "/"+filepath.ToSlash(rel))
		}
		return nil
	})
	return out, err
}

func (d *DiskBackend) ListMandatory() ([]string, error) {
	return d.forEach(func(r Record) bool { return r.Flags&FlagMandatory != 0 })
}

func (d *DiskBackend) ListUsed(includeMandatory bool) ([]string, error) {
	return d.forEach(func(r Record) bool {
		if r.Flags&FlagUsed != 0 {
			return true
		}
		return includeMandatory && r.Flags&FlagMandatory != 0
	})
}

func (d *DiskBackend) Archive(name string) error {
	dst := filepath.Join(filepath.Dir(filepath.Clean(d.dir)), name)
	return filepath.WalkDir(d.dir, func(p string, de fs.DirEntry, err error) error {
		if err != nil || de.IsDir() {
			return err
		}
		rel, err := filepath.Rel(d.dir, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0777); err != nil {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, b, 0666)
	})
}

// --- S3 backend ---

// S3Backend stores one object per path, grounded on storage/s3.go's
// session.NewSession/s3.S3 client wiring.
type S3Backend struct {
	client *s3.S3
	bucket string
}

// NewS3Backend creates an S3-backed store (storage/s3.go's newS3Store,
// generalized to accept an explicit access key/secret pair instead of a
// shared-credentials-file profile, since config.C carries them directly).
func NewS3Backend(region, bucket, accessKey, secretKey string) (*S3Backend, error) {
	const maxRetries = 16
	sess, err := session.NewSession(&aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(accessKey, secretKey, ""),
		MaxRetries:  aws.Int(maxRetries),
	})
	if err != nil {
		return nil, pkgerrors.WithStack(err)
	}
	return &S3Backend{client: s3.New(sess), bucket: bucket}, nil
}

func (b *S3Backend) Load(path string) (Record, error) {
	key := strings.TrimPrefix(path, "/")
	out, err := b.client.GetObject(&s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	if err != nil {
		if rfErr, ok := err.(awserr.RequestFailure); ok && rfErr.StatusCode() == http.StatusNotFound {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	defer out.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return Record{}, err
	}
	return decodeRecord(buf.Bytes())
}

func (b *S3Backend) Save(path string, r Record) error {
	enc, err := encodeRecord(r)
	if err != nil {
		return err
	}
	key := strings.TrimPrefix(path, "/")
	_, err = b.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(enc),
	})
	return pkgerrors.WithStack(err)
}

func (b *S3Backend) Delete(path string) error {
	key := strings.TrimPrefix(path, "/")
	_, err := b.client.DeleteObject(&s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(key)})
	return pkgerrors.WithStack(err)
}

func (b *S3Backend) list(filter func(Record) bool) ([]string, error) {
	var out []string
	input := &s3.ListObjectsInput{Bucket: aws.String(b.bucket)}
	for {
		output, err := b.client.ListObjects(input)
		if err != nil {
			return nil, err
		}
		for _, o := range output.Contents {
			rec, err := b.Load("/" + *o.Key)
			if err != nil {
				continue
			}
			if filter(rec) {
				out = append(out, "/"+*o.Key)
			}
		}
		if output.NextMarker == nil {
			break
		}
		input.Marker = output.NextMarker
	}
	return out, nil
}

func (b *S3Backend) ListMandatory() ([]string, error) {
	return b.list(func(r Record) bool { return r.Flags&FlagMandatory != 0 })
}

func (b *S3Backend) ListUsed(includeMandatory bool) ([]string, error) {
	return b.list(func(r Record) bool {
		if r.Flags&FlagUsed != 0 {
			return true
		}
		return includeMandatory && r.Flags&FlagMandatory != 0
	})
}

// Archive is not supported for the S3 backend: S3 already offers
// versioning/lifecycle rules for this purpose, so a client-driven copy
// loop would just duplicate bucket policy the operator already controls.
func (b *S3Backend) Archive(name string) error {
	return fmt.Errorf("persist: archive not supported for S3 backend; use bucket versioning")
}

// --- Null backend ---

// NullBackend discards everything, for configurations with no
// persistence mount point (storage/null.go's NullStore).
type NullBackend struct{}

func (NullBackend) Load(string) (Record, error)             { return Record{}, ErrNotFound }
func (NullBackend) Save(string, Record) error                { return nil }
func (NullBackend) Delete(string) error                      { return nil }
func (NullBackend) ListMandatory() ([]string, error)          { return nil, nil }
func (NullBackend) ListUsed(bool) ([]string, error)           { return nil, nil }
func (NullBackend) Archive(string) error                      { return nil }

var (
	_ Backend = (*DiskBackend)(nil)
	_ Backend = (*S3Backend)(nil)
	_ Backend = NullBackend{}
)

// --- Save-mode binding ---

// Binder wires a Save-mode handle to a backend row: writes propagate to
// Save after delay, and the handle starts with the backend's last saved
// value if one exists (spec §6.5 "any link that enters Save mode ... is
// bound to a row in the backend and writes propagate, with configurable
// delay, to save").
type Binder struct {
	store   *link.Store
	backend Backend
	mount   string
	delay   time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewBinder creates a binder for links under mount, persisting through
// backend with the given write-coalescing delay.
func NewBinder(store *link.Store, backend Backend, mount string, delay time.Duration) *Binder {
	return &Binder{store: store, backend: backend, mount: mount, delay: delay, pending: make(map[string]*time.Timer)}
}

// UnderMount reports whether path lies under the binder's persistence
// mount point (spec invariant I5).
func (b *Binder) UnderMount(path string) bool {
	return path == b.mount || strings.HasPrefix(path, strings.TrimRight(b.mount, "/")+"/")
}

// LoadMandatory materializes every mandatory row as a link at startup
// (spec §6.5 "On startup the core loads all mandatory paths and creates
// their links").
func (b *Binder) LoadMandatory() error {
	paths, err := b.backend.ListMandatory()
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := b.loadInto(p); err != nil {
			log.WithField("path", p).WithError(err).Warn("persist: failed to load mandatory record")
		}
	}
	return nil
}

func (b *Binder) loadInto(path string) error {
	rec, err := b.backend.Load(path)
	if err != nil {
		return err
	}
	l, err := b.store.GetOrCreate(path, link.KindLeaf, link.ModeSave)
	if err != nil {
		return err
	}
	b.store.SetValue(l, rec.Value, link.WriteOptions{SameValuePolicy: link.SameValueAccept, Flags: link.FlagFromPersist})
	return nil
}

// Bind attaches h to the backend row at its path: it loads any existing
// row into the link (whether or not LoadMandatory already did), then saves every subsequent write after the binder's
// delay, coalescing rapid consecutive writes into one save (same
// coalescing shape as handle.Handle's delay_ms, reused here for the
// write-behind path instead of the notification-delivery path).
func (b *Binder) Bind(h *handle.Handle) error {
	path := h.Link().Path()
	if !b.UnderMount(path) {
		return fmt.Errorf("persist: %q is not under persistence mount %q", path, b.mount)
	}
	h.AddMode(link.ModeSave, b.UnderMount)

	if rec, err := b.backend.Load(path); err == nil {
		if _, err := h.WriteRaw(rec.Value, link.WriteOptions{SameValuePolicy: link.SameValueAccept, Flags: link.FlagFromPersist}); err != nil {
			return err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	h.OnChange(func(n link.Notification) {
		if n.Kind != link.NotifyValue {
			return
		}
		if n.Flags&link.FlagFromPersist != 0 {
			return // avoid re-saving the value we just loaded
		}
		b.scheduleSave(path, n.Value)
	})
	return nil
}

func (b *Binder) scheduleSave(path string, v value.Value) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.pending[path]; ok {
		t.Stop()
	}
	b.pending[path] = time.AfterFunc(b.delay, func() {
		b.mu.Lock()
		delete(b.pending, path)
		b.mu.Unlock()
		if err := b.backend.Save(path, Record{Value: v, Flags: FlagUsed}); err != nil {
			log.WithField("path", path).WithError(err).Warn("persist: save failed")
		}
	})
}
