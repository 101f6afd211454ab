package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
)

// FakeMessage is a message held by a FakeRemote folder.
type FakeMessage struct {
	UID          string
	Raw          []byte
	Flags        map[remote.Flag]bool
	InternalDate time.Time
}

type fakeFolderData struct {
	messages []*FakeMessage
}

// FakeRemote is an in-memory remote.Provider. Every folder operation is
// appended to an operation log so tests can assert on remote traffic.
type FakeRemote struct {
	mu sync.Mutex

	folders map[string]*fakeFolderData
	nextUID int
	ops     []string

	// CanCreate controls whether folders can be created.
	CanCreate bool
	// SupportsStructure controls whether structure fetches return a part tree.
	SupportsStructure bool
	// PermanentFlags are reported by every opened folder.
	PermanentFlags []remote.Flag
	// VisibleLimit is reported as the store's default visible limit.
	VisibleLimit int
	// RequireCopyToSent is reported in the store info.
	RequireCopyToSent bool
	// OpenErr, when set, is returned by Open.
	OpenErr error
	// CreateErr, when set, is returned by folder creation.
	CreateErr error
}

var _ remote.Provider = (*FakeRemote)(nil)

// NewFakeRemote creates an empty FakeRemote that supports folder creation,
// structure fetches and the seen and flagged permanent flags.
func NewFakeRemote() *FakeRemote {
	return &FakeRemote{
		folders:           make(map[string]*fakeFolderData),
		nextUID:           100,
		CanCreate:         true,
		SupportsStructure: true,
		PermanentFlags:    []remote.Flag{remote.FlagSeen, remote.FlagFlagged, remote.FlagDeleted},
		VisibleLimit:      25,
	}
}

// AddFolder creates a folder if it does not exist.
func (r *FakeRemote) AddFolder(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.folders[name]; !ok {
		r.folders[name] = &fakeFolderData{}
	}
}

// AddMessage appends raw to folder, creating the folder if needed, and
// returns the assigned UID.
func (r *FakeRemote) AddMessage(folder string, raw []byte, seen bool) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	fd, ok := r.folders[folder]
	if !ok {
		fd = &fakeFolderData{}
		r.folders[folder] = fd
	}
	m := &FakeMessage{
		UID:          r.newUID(),
		Raw:          raw,
		Flags:        map[remote.Flag]bool{},
		InternalDate: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if seen {
		m.Flags[remote.FlagSeen] = true
	}
	fd.messages = append(fd.messages, m)
	return m.UID
}

// Message returns a copy of the message with uid in folder, or nil.
func (r *FakeRemote) Message(folder, uid string) *FakeMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	fm := r.find(folder, uid)
	if fm == nil {
		return nil
	}
	flags := make(map[remote.Flag]bool, len(fm.Flags))
	for k, v := range fm.Flags {
		flags[k] = v
	}
	return &FakeMessage{UID: fm.UID, Raw: fm.Raw, Flags: flags, InternalDate: fm.InternalDate}
}

// SetInternalDate changes the server date of a message.
func (r *FakeRemote) SetInternalDate(folder, uid string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fm := r.find(folder, uid); fm != nil {
		fm.InternalDate = t
	}
}

// SetFlag changes a flag of a message.
func (r *FakeRemote) SetFlag(folder, uid string, flag remote.Flag, value bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fm := r.find(folder, uid); fm != nil {
		fm.Flags[flag] = value
	}
}

// UIDs returns the UIDs in folder in ordinal order.
func (r *FakeRemote) UIDs(folder string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	fd, ok := r.folders[folder]
	if !ok {
		return nil
	}
	uids := make([]string, 0, len(fd.messages))
	for _, m := range fd.messages {
		uids = append(uids, m.UID)
	}
	return uids
}

// HasFolder reports whether folder exists.
func (r *FakeRemote) HasFolder(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.folders[name]
	return ok
}

// Ops returns the operation log.
func (r *FakeRemote) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

// ResetOps clears the operation log.
func (r *FakeRemote) ResetOps() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = nil
}

// CountOps returns how many logged operations start with prefix.
func (r *FakeRemote) CountOps(prefix string) int {
	n := 0
	for _, op := range r.Ops() {
		if strings.HasPrefix(op, prefix) {
			n++
		}
	}
	return n
}

// Open implements remote.Provider.
func (r *FakeRemote) Open(_ context.Context, account model.Account) (remote.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ops = append(r.ops, "connect "+account.ID)
	if r.OpenErr != nil {
		return nil, r.OpenErr
	}
	return &fakeStore{r: r}, nil
}

func (r *FakeRemote) newUID() string {
	r.nextUID++
	return strconv.Itoa(r.nextUID)
}

func (r *FakeRemote) find(folder, uid string) *FakeMessage {
	fd, ok := r.folders[folder]
	if !ok {
		return nil
	}
	for _, m := range fd.messages {
		if m.UID == uid {
			return m
		}
	}
	return nil
}

func (r *FakeRemote) log(format string, args ...interface{}) {
	r.ops = append(r.ops, fmt.Sprintf(format, args...))
}

type fakeStore struct {
	r *FakeRemote
}

func (s *fakeStore) Folder(name string) remote.Folder {
	return &fakeFolder{r: s.r, name: name}
}

func (s *fakeStore) ListFolders(_ context.Context) ([]remote.FolderInfo, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()

	names := make([]string, 0, len(s.r.folders))
	for name := range s.r.folders {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]remote.FolderInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, remote.FolderInfo{Name: name, HoldsMail: true})
	}
	return infos, nil
}

func (s *fakeStore) Info() remote.StoreInfo {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return remote.StoreInfo{
		VisibleLimitDefault: s.r.VisibleLimit,
		RequireCopyToSent:   s.r.RequireCopyToSent,
	}
}

func (s *fakeStore) Close() error { return nil }

type fakeFolder struct {
	r    *FakeRemote
	name string
	mode remote.OpenMode
	open bool
}

func (f *fakeFolder) Name() string { return f.name }

func (f *fakeFolder) Exists(_ context.Context) (bool, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	_, ok := f.r.folders[f.name]
	return ok, nil
}

func (f *fakeFolder) CanCreate() bool {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	return f.r.CanCreate
}

func (f *fakeFolder) Create(_ context.Context) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()

	f.r.log("create %s", f.name)
	if !f.r.CanCreate {
		return errors.New("folder creation not supported")
	}
	if f.r.CreateErr != nil {
		return f.r.CreateErr
	}
	if _, ok := f.r.folders[f.name]; !ok {
		f.r.folders[f.name] = &fakeFolderData{}
	}
	return nil
}

func (f *fakeFolder) Open(_ context.Context, mode remote.OpenMode) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()

	f.r.log("open %s", f.name)
	if _, ok := f.r.folders[f.name]; !ok {
		return fmt.Errorf("no such folder %q", f.name)
	}
	f.mode = mode
	f.open = true
	return nil
}

func (f *fakeFolder) Mode() remote.OpenMode { return f.mode }

func (f *fakeFolder) MessageCount(_ context.Context) (int, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	fd, ok := f.r.folders[f.name]
	if !ok {
		return 0, fmt.Errorf("no such folder %q", f.name)
	}
	return len(fd.messages), nil
}

func (f *fakeFolder) Messages(_ context.Context, start, end int) ([]*remote.Message, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()

	fd, ok := f.r.folders[f.name]
	if !ok {
		return nil, fmt.Errorf("no such folder %q", f.name)
	}
	var out []*remote.Message
	for i := start; i <= end && i <= len(fd.messages); i++ {
		if i < 1 {
			continue
		}
		out = append(out, &remote.Message{UID: fd.messages[i-1].UID})
	}
	return out, nil
}

func (f *fakeFolder) Message(_ context.Context, uid string) (*remote.Message, error) {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	if f.r.find(f.name, uid) == nil {
		return nil, nil
	}
	return &remote.Message{UID: uid}, nil
}

func (f *fakeFolder) Fetch(
	_ context.Context,
	msgs []*remote.Message,
	profile remote.FetchProfile,
	fn func(*remote.Message),
) error {
	f.r.mu.Lock()
	f.r.log("fetch %s %s", f.name, describeProfile(profile))

	var ready []*remote.Message
	for _, m := range msgs {
		fm := f.r.find(f.name, m.UID)
		if fm == nil {
			continue
		}
		if err := f.fill(m, fm, profile); err != nil {
			f.r.mu.Unlock()
			return err
		}
		ready = append(ready, m)
	}
	f.r.mu.Unlock()

	if fn != nil {
		for _, m := range ready {
			fn(m)
		}
	}
	return nil
}

func (f *fakeFolder) fill(m *remote.Message, fm *FakeMessage, profile remote.FetchProfile) error {
	if profile.Has(remote.FetchFlags) {
		m.Flags = nil
		for _, fl := range []remote.Flag{remote.FlagSeen, remote.FlagFlagged, remote.FlagDeleted} {
			if fm.Flags[fl] {
				m.Flags = append(m.Flags, fl)
			}
		}
	}
	if profile.Has(remote.FetchEnvelope) {
		env, err := envelopeOf(fm.Raw)
		if err != nil {
			return err
		}
		m.Envelope = env
		m.InternalDate = fm.InternalDate
		m.Size = int64(len(fm.Raw))
	}
	if profile.Has(remote.FetchStructure) && f.r.SupportsStructure {
		root, err := remote.ParseMessage(fm.Raw)
		if err != nil {
			return err
		}
		stripBodies(root)
		m.Structure = root
	}

	raw := fm.Raw
	switch {
	case profile.Has(remote.FetchBody):
	case profile.Has(remote.FetchBodySane):
		if len(raw) > remote.SaneBodySize {
			raw = raw[:remote.SaneBodySize]
		}
	default:
		raw = nil
	}
	if raw != nil {
		m.Raw = raw
		root, err := remote.ParseMessage(raw)
		if err != nil {
			return err
		}
		m.Structure = root
	}

	if len(profile.Parts) > 0 {
		root, err := remote.ParseMessage(fm.Raw)
		if err != nil {
			return err
		}
		for _, p := range profile.Parts {
			if found := findPart(root, p.Path); found != nil {
				p.Body = found.Body
			}
		}
	}
	return nil
}

func (f *fakeFolder) PermanentFlags() []remote.Flag {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()
	return append([]remote.Flag(nil), f.r.PermanentFlags...)
}

func (f *fakeFolder) SetFlags(_ context.Context, msgs []*remote.Message, flags []remote.Flag, value bool) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()

	for _, m := range msgs {
		fm := f.r.find(f.name, m.UID)
		if fm == nil {
			continue
		}
		for _, fl := range flags {
			f.r.log("flag %s %s %s=%t", f.name, m.UID, fl, value)
			fm.Flags[fl] = value
		}
	}
	return nil
}

func (f *fakeFolder) CopyMessages(_ context.Context, msgs []*remote.Message, dest remote.Folder, cb remote.CopyCallbacks) error {
	f.r.mu.Lock()

	type copied struct {
		msg    *remote.Message
		newUID string
	}
	var done []copied
	var missing []*remote.Message
	for _, m := range msgs {
		fm := f.r.find(f.name, m.UID)
		if fm == nil {
			missing = append(missing, m)
			continue
		}
		fd, ok := f.r.folders[dest.Name()]
		if !ok {
			f.r.mu.Unlock()
			return fmt.Errorf("no such folder %q", dest.Name())
		}
		flags := make(map[remote.Flag]bool, len(fm.Flags))
		for k, v := range fm.Flags {
			flags[k] = v
		}
		nm := &FakeMessage{UID: f.r.newUID(), Raw: fm.Raw, Flags: flags, InternalDate: fm.InternalDate}
		fd.messages = append(fd.messages, nm)
		f.r.log("copy %s %s to %s", f.name, m.UID, dest.Name())
		done = append(done, copied{msg: m, newUID: nm.UID})
	}
	f.r.mu.Unlock()

	for _, m := range missing {
		if cb.OnNotFound != nil {
			cb.OnNotFound(m)
		}
	}
	for _, c := range done {
		if cb.OnUIDChange != nil {
			cb.OnUIDChange(c.msg, c.newUID)
		}
	}
	return nil
}

func (f *fakeFolder) AppendMessages(_ context.Context, msgs []*remote.Message) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()

	fd, ok := f.r.folders[f.name]
	if !ok {
		return fmt.Errorf("no such folder %q", f.name)
	}
	for _, m := range msgs {
		if len(m.Raw) == 0 {
			return errors.New("message has no content")
		}
		date := m.InternalDate
		if date.IsZero() {
			date = time.Now()
		}
		fm := &FakeMessage{UID: f.r.newUID(), Raw: m.Raw, Flags: map[remote.Flag]bool{}, InternalDate: date}
		for _, fl := range m.Flags {
			fm.Flags[fl] = true
		}
		fd.messages = append(fd.messages, fm)
		m.UID = fm.UID
		f.r.log("append %s %s", f.name, fm.UID)
	}
	return nil
}

func (f *fakeFolder) Expunge(_ context.Context) error {
	f.r.mu.Lock()
	defer f.r.mu.Unlock()

	f.r.log("expunge %s", f.name)
	fd, ok := f.r.folders[f.name]
	if !ok {
		return nil
	}
	kept := fd.messages[:0]
	for _, m := range fd.messages {
		if !m.Flags[remote.FlagDeleted] {
			kept = append(kept, m)
		}
	}
	fd.messages = kept
	return nil
}

func (f *fakeFolder) Close(ctx context.Context, expunge bool) error {
	if !f.open {
		return nil
	}
	f.open = false
	if expunge {
		return f.Expunge(ctx)
	}
	return nil
}

func describeProfile(p remote.FetchProfile) string {
	names := map[remote.FetchItem]string{
		remote.FetchFlags:     "flags",
		remote.FetchEnvelope:  "envelope",
		remote.FetchStructure: "structure",
		remote.FetchBody:      "body",
		remote.FetchBodySane:  "body_sane",
	}
	var parts []string
	for _, it := range p.Items {
		parts = append(parts, names[it])
	}
	for _, pt := range p.Parts {
		parts = append(parts, "part:"+pt.Path)
	}
	return strings.Join(parts, ",")
}

func envelopeOf(raw []byte) (*remote.Envelope, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("reading headers: %w", err)
	}
	h := mail.Header{Header: entity.Header}

	env := &remote.Envelope{}
	env.Subject, _ = h.Subject()
	env.MessageID, _ = h.MessageID()
	env.Date, _ = h.Date()
	for key, dst := range map[string]*[]string{"From": &env.From, "To": &env.To, "Cc": &env.Cc} {
		addrs, _ := h.AddressList(key)
		for _, a := range addrs {
			*dst = append(*dst, a.String())
		}
	}
	return env, nil
}

func stripBodies(p *remote.Part) {
	p.Body = nil
	for _, c := range p.Children {
		stripBodies(c)
	}
}

func findPart(p *remote.Part, path string) *remote.Part {
	if p.Path == path {
		return p
	}
	for _, c := range p.Children {
		if found := findPart(c, path); found != nil {
			return found
		}
	}
	return nil
}

// RawMessage builds an RFC 822 text/plain message of exactly size bytes.
// Sizes smaller than the headers are padded up to the header length.
func RawMessage(subject string, size int) []byte {
	header := fmt.Sprintf("From: Sender <sender@example.com>\r\n"+
		"To: user@example.com\r\n"+
		"Subject: %s\r\n"+
		"Message-Id: <%s@example.com>\r\n"+
		"Date: Fri, 01 Mar 2024 10:00:00 +0000\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n", subject, strings.ReplaceAll(subject, " ", "-"))
	pad := size - len(header)
	if pad < 1 {
		pad = 1
	}
	return []byte(header + strings.Repeat("a", pad))
}

// RawMultipartMessage builds a message with a text part, an HTML part and a
// PDF attachment.
func RawMultipartMessage(subject string) []byte {
	return []byte("From: Sender <sender@example.com>\r\n" +
		"To: user@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-Id: <" + strings.ReplaceAll(subject, " ", "-") + "@example.com>\r\n" +
		"Date: Fri, 01 Mar 2024 10:00:00 +0000\r\n" +
		"Content-Type: multipart/mixed; boundary=outer\r\n" +
		"\r\n" +
		"--outer\r\n" +
		"Content-Type: multipart/alternative; boundary=inner\r\n" +
		"\r\n" +
		"--inner\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hello plain\r\n" +
		"--inner\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>Hello <b>html</b></p>\r\n" +
		"--inner--\r\n" +
		"--outer\r\n" +
		"Content-Type: application/pdf; name=report.pdf\r\n" +
		"Content-Disposition: attachment; filename=report.pdf\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"JVBERi0xLjQK\r\n" +
		"--outer--\r\n")
}
