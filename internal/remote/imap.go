package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
)

// PasswordFunc returns the password for an account.
type PasswordFunc func(account model.Account) (string, error)

// IMAPProvider opens IMAP sessions using go-imap v2.
type IMAPProvider struct {
	password     PasswordFunc
	visibleLimit int
	logger       zerolog.Logger
}

// NewIMAPProvider creates a provider. visibleLimit is the store-wide default
// number of recent messages tracked per mailbox.
func NewIMAPProvider(password PasswordFunc, visibleLimit int, logger zerolog.Logger) *IMAPProvider {
	return &IMAPProvider{
		password:     password,
		visibleLimit: visibleLimit,
		logger:       logger.With().Str("component", "imap").Logger(),
	}
}

// Open connects to the account's IMAP server and authenticates. Rejected
// credentials are reported as *mailerr.AuthError.
func (p *IMAPProvider) Open(ctx context.Context, account model.Account) (Store, error) {
	password, err := p.password(account)
	if err != nil {
		return nil, &mailerr.AuthError{
			AccountID: account.ID,
			Message:   fmt.Sprintf("no password available: %v", err),
		}
	}

	addr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)

	var client *imapclient.Client
	if account.IMAPTLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, mailerr.Messaging("connect", fmt.Errorf("connecting to IMAP %s: %w", addr, err))
	}

	username := account.Username
	if username == "" {
		username = account.Email
	}

	if client.Caps().Has(imap.AuthCap(sasl.Plain)) {
		err = client.Authenticate(sasl.NewPlainClient("", username, password))
	} else {
		err = client.Login(username, password).Wait()
	}
	if err != nil {
		_ = client.Logout().Wait()
		_ = client.Close()
		var imapErr *imap.Error
		if errors.As(err, &imapErr) {
			return nil, &mailerr.AuthError{
				AccountID: account.ID,
				Message: fmt.Sprintf(
					"authentication failed for %s: %v",
					logging.MaskEmail(username), err,
				),
			}
		}
		return nil, mailerr.Messaging("login", err)
	}

	p.logger.Debug().
		Str("account", account.ID).
		Str("user", logging.MaskEmail(username)).
		Msg("imap session opened")

	return &imapStore{
		client:       client,
		visibleLimit: p.visibleLimit,
		logger:       p.logger.With().Str("account", account.ID).Logger(),
	}, nil
}

// imapStore is one authenticated IMAP connection. Folders share it and
// re-select themselves when another folder was selected in between.
type imapStore struct {
	client       *imapclient.Client
	visibleLimit int
	logger       zerolog.Logger

	selected string
}

func (s *imapStore) Folder(name string) Folder {
	return &imapFolder{store: s, name: name}
}

func (s *imapStore) ListFolders(_ context.Context) ([]FolderInfo, error) {
	list, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, mailerr.Messaging("list", err)
	}
	folders := make([]FolderInfo, 0, len(list))
	for _, data := range list {
		holds := true
		for _, attr := range data.Attrs {
			if attr == imap.MailboxAttrNoSelect {
				holds = false
			}
		}
		folders = append(folders, FolderInfo{Name: data.Mailbox, HoldsMail: holds})
	}
	return folders, nil
}

func (s *imapStore) Info() StoreInfo {
	return StoreInfo{VisibleLimitDefault: s.visibleLimit, RequireCopyToSent: true}
}

func (s *imapStore) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		s.logger.Debug().Err(err).Msg("imap logout")
	}
	return s.client.Close()
}

type imapFolder struct {
	store *imapStore
	name  string

	mode      OpenMode
	open      bool
	count     int
	permFlags []Flag
}

func (f *imapFolder) Name() string { return f.name }

func (f *imapFolder) Exists(_ context.Context) (bool, error) {
	list, err := f.store.client.List("", f.name, nil).Collect()
	if err != nil {
		return false, mailerr.Messaging("list "+f.name, err)
	}
	return len(list) > 0, nil
}

func (f *imapFolder) CanCreate() bool { return true }

func (f *imapFolder) Create(_ context.Context) error {
	if err := f.store.client.Create(f.name, nil).Wait(); err != nil {
		return mailerr.Messaging("create "+f.name, err)
	}
	return nil
}

func (f *imapFolder) Open(_ context.Context, mode OpenMode) error {
	data, err := f.store.client.Select(f.name, &imap.SelectOptions{ReadOnly: mode == ReadOnly}).Wait()
	if err != nil {
		return mailerr.Messaging("select "+f.name, err)
	}
	f.store.selected = f.name
	f.mode = mode
	f.open = true
	f.count = int(data.NumMessages)
	f.permFlags = f.permFlags[:0]
	for _, fl := range data.PermanentFlags {
		switch fl {
		case imap.FlagSeen:
			f.permFlags = append(f.permFlags, FlagSeen)
		case imap.FlagFlagged:
			f.permFlags = append(f.permFlags, FlagFlagged)
		case imap.FlagDeleted:
			f.permFlags = append(f.permFlags, FlagDeleted)
		}
	}
	return nil
}

// ensureSelected re-selects the folder if the connection moved elsewhere.
func (f *imapFolder) ensureSelected(ctx context.Context) error {
	if !f.open {
		return mailerr.Messaging("use "+f.name, errors.New("folder not open"))
	}
	if f.store.selected == f.name {
		return nil
	}
	return f.Open(ctx, f.mode)
}

func (f *imapFolder) Mode() OpenMode { return f.mode }

func (f *imapFolder) MessageCount(ctx context.Context) (int, error) {
	if err := f.ensureSelected(ctx); err != nil {
		return 0, err
	}
	return f.count, nil
}

func (f *imapFolder) Messages(ctx context.Context, start, end int) ([]*Message, error) {
	if start < 1 || end < start {
		return nil, nil
	}
	if err := f.ensureSelected(ctx); err != nil {
		return nil, err
	}

	var seq imap.SeqSet
	seq.AddRange(uint32(start), uint32(end))

	bufs, err := f.store.client.Fetch(seq, &imap.FetchOptions{UID: true}).Collect()
	if err != nil {
		return nil, mailerr.Messaging("fetch uids "+f.name, err)
	}
	msgs := make([]*Message, 0, len(bufs))
	for _, buf := range bufs {
		msgs = append(msgs, &Message{UID: formatUID(buf.UID)})
	}
	return msgs, nil
}

func (f *imapFolder) Message(ctx context.Context, uid string) (*Message, error) {
	id, err := parseUID(uid)
	if err != nil {
		return nil, nil
	}
	if err := f.ensureSelected(ctx); err != nil {
		return nil, err
	}
	bufs, err := f.store.client.Fetch(imap.UIDSetNum(id), &imap.FetchOptions{UID: true}).Collect()
	if err != nil {
		return nil, mailerr.Messaging("fetch uid "+f.name, err)
	}
	if len(bufs) == 0 {
		return nil, nil
	}
	return &Message{UID: formatUID(bufs[0].UID)}, nil
}

func (f *imapFolder) Fetch(
	ctx context.Context,
	msgs []*Message,
	profile FetchProfile,
	fn func(*Message),
) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := f.ensureSelected(ctx); err != nil {
		return err
	}

	byUID := make(map[imap.UID]*Message, len(msgs))
	var uids []imap.UID
	for _, m := range msgs {
		id, err := parseUID(m.UID)
		if err != nil {
			continue
		}
		byUID[id] = m
		uids = append(uids, id)
	}
	if len(uids) == 0 {
		return nil
	}

	opts := &imap.FetchOptions{
		UID:   true,
		Flags: profile.Has(FetchFlags),
	}
	if profile.Has(FetchEnvelope) {
		opts.Envelope = true
		opts.InternalDate = true
		opts.RFC822Size = true
	}
	if profile.Has(FetchStructure) {
		opts.BodyStructure = &imap.FetchItemBodyStructure{Extended: true}
	}

	var whole *imap.FetchItemBodySection
	switch {
	case profile.Has(FetchBody):
		whole = &imap.FetchItemBodySection{Peek: true}
	case profile.Has(FetchBodySane):
		whole = &imap.FetchItemBodySection{
			Peek:    true,
			Partial: &imap.SectionPartial{Offset: 0, Size: SaneBodySize},
		}
	}
	if whole != nil {
		opts.BodySection = append(opts.BodySection, whole)
	}

	partSections := make(map[*Part]*imap.FetchItemBodySection, len(profile.Parts))
	for _, p := range profile.Parts {
		sec := &imap.FetchItemBodySection{Part: parsePartPath(p.Path), Peek: true}
		partSections[p] = sec
		opts.BodySection = append(opts.BodySection, sec)
	}

	cmd := f.store.client.Fetch(imap.UIDSetNum(uids...), opts)
	defer cmd.Close()

	for {
		item := cmd.Next()
		if item == nil {
			break
		}
		buf, err := item.Collect()
		if err != nil {
			return mailerr.Messaging("fetch "+f.name, err)
		}
		m, ok := byUID[buf.UID]
		if !ok {
			continue
		}
		f.fill(m, buf, opts, whole, partSections)
		if fn != nil {
			fn(m)
		}
	}

	if err := cmd.Close(); err != nil {
		return mailerr.Messaging("fetch "+f.name, err)
	}
	return nil
}

func (f *imapFolder) fill(
	m *Message,
	buf *imapclient.FetchMessageBuffer,
	opts *imap.FetchOptions,
	whole *imap.FetchItemBodySection,
	parts map[*Part]*imap.FetchItemBodySection,
) {
	if opts.Flags {
		m.Flags = m.Flags[:0]
		for _, fl := range buf.Flags {
			switch fl {
			case imap.FlagSeen:
				m.Flags = append(m.Flags, FlagSeen)
			case imap.FlagFlagged:
				m.Flags = append(m.Flags, FlagFlagged)
			case imap.FlagDeleted:
				m.Flags = append(m.Flags, FlagDeleted)
			}
		}
	}
	if opts.Envelope && buf.Envelope != nil {
		m.Envelope = envelopeFromIMAP(buf.Envelope)
		m.InternalDate = buf.InternalDate
		m.Size = buf.RFC822Size
	}
	if opts.BodyStructure != nil && buf.BodyStructure != nil {
		m.Structure = partFromStructure(buf.BodyStructure, nil)
	}
	if whole != nil {
		if raw := buf.FindBodySection(whole); raw != nil {
			m.Raw = raw
			if root, err := ParseMessage(raw); err == nil {
				m.Structure = root
			} else {
				f.store.logger.Warn().Err(err).Str("uid", m.UID).Msg("unparseable message body")
			}
			f.store.logger.Debug().
				Str("uid", m.UID).
				Str("size", humanize.IBytes(uint64(len(raw)))).
				Msg("fetched body")
		}
	}
	for p, sec := range parts {
		raw := buf.FindBodySection(sec)
		if raw == nil {
			continue
		}
		body, err := DecodePart(p, raw)
		if err != nil {
			f.store.logger.Warn().Err(err).Str("part", p.Path).Msg("undecodable part")
			body = raw
		}
		p.Body = body
	}
}

func (f *imapFolder) PermanentFlags() []Flag {
	return f.permFlags
}

func (f *imapFolder) SetFlags(ctx context.Context, msgs []*Message, flags []Flag, value bool) error {
	uids := uidsOf(msgs)
	if len(uids) == 0 || len(flags) == 0 {
		return nil
	}
	if err := f.ensureSelected(ctx); err != nil {
		return err
	}

	op := imap.StoreFlagsAdd
	if !value {
		op = imap.StoreFlagsDel
	}
	imapFlags := make([]imap.Flag, 0, len(flags))
	for _, fl := range flags {
		imapFlags = append(imapFlags, imap.Flag(fl))
	}

	err := f.store.client.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  imapFlags,
	}, nil).Close()
	if err != nil {
		return mailerr.Messaging("store flags "+f.name, err)
	}
	return nil
}

func (f *imapFolder) CopyMessages(ctx context.Context, msgs []*Message, dest Folder, cb CopyCallbacks) error {
	if err := f.ensureSelected(ctx); err != nil {
		return err
	}

	var present []*Message
	for _, m := range msgs {
		found, err := f.Message(ctx, m.UID)
		if err != nil {
			return err
		}
		if found == nil {
			if cb.OnNotFound != nil {
				cb.OnNotFound(m)
			}
			continue
		}
		present = append(present, m)
	}
	uids := uidsOf(present)
	if len(uids) == 0 {
		return nil
	}

	data, err := f.store.client.Copy(imap.UIDSetNum(uids...), dest.Name()).Wait()
	if err != nil {
		return mailerr.Messaging("copy "+f.name+" to "+dest.Name(), err)
	}
	if data == nil || cb.OnUIDChange == nil {
		return nil
	}

	src := expandUIDSet(data.SourceUIDs)
	dst := expandUIDSet(data.DestUIDs)
	if len(src) != len(dst) {
		return nil
	}
	byUID := make(map[imap.UID]*Message, len(present))
	for _, m := range present {
		if id, err := parseUID(m.UID); err == nil {
			byUID[id] = m
		}
	}
	for i, id := range src {
		if m, ok := byUID[id]; ok {
			cb.OnUIDChange(m, formatUID(dst[i]))
		}
	}
	return nil
}

func (f *imapFolder) AppendMessages(_ context.Context, msgs []*Message) error {
	for _, m := range msgs {
		if len(m.Raw) == 0 {
			return mailerr.Messaging("append "+f.name, errors.New("message has no content"))
		}

		var opts imap.AppendOptions
		if !m.InternalDate.IsZero() {
			opts.Time = m.InternalDate
		}
		for _, fl := range m.Flags {
			opts.Flags = append(opts.Flags, imap.Flag(fl))
		}

		cmd := f.store.client.Append(f.name, int64(len(m.Raw)), &opts)
		if _, err := cmd.Write(m.Raw); err != nil {
			_ = cmd.Close()
			return mailerr.Messaging("append "+f.name, err)
		}
		if err := cmd.Close(); err != nil {
			return mailerr.Messaging("append "+f.name, err)
		}
		data, err := cmd.Wait()
		if err != nil {
			return mailerr.Messaging("append "+f.name, err)
		}

		if data != nil && data.UID != 0 {
			m.UID = formatUID(data.UID)
			continue
		}

		// No UIDPLUS: look the message up by its Message-ID.
		if m.Envelope != nil && m.Envelope.MessageID != "" && f.open {
			if err := f.ensureSelected(context.Background()); err != nil {
				return err
			}
			search, err := f.store.client.UIDSearch(&imap.SearchCriteria{
				Header: []imap.SearchCriteriaHeaderField{
					{Key: "Message-ID", Value: m.Envelope.MessageID},
				},
			}, nil).Wait()
			if err != nil {
				return mailerr.Messaging("search "+f.name, err)
			}
			if all := search.AllUIDs(); len(all) > 0 {
				m.UID = formatUID(all[len(all)-1])
			}
		}
	}
	return nil
}

func (f *imapFolder) Expunge(ctx context.Context) error {
	if err := f.ensureSelected(ctx); err != nil {
		return err
	}
	if err := f.store.client.Expunge().Close(); err != nil {
		return mailerr.Messaging("expunge "+f.name, err)
	}
	return nil
}

func (f *imapFolder) Close(ctx context.Context, expunge bool) error {
	if !f.open {
		return nil
	}
	var err error
	if expunge {
		err = f.Expunge(ctx)
	}
	f.open = false
	return err
}

// envelopeFromIMAP converts an IMAP envelope into the engine's form.
func envelopeFromIMAP(env *imap.Envelope) *Envelope {
	return &Envelope{
		MessageID: env.MessageID,
		Subject:   env.Subject,
		From:      formatAddresses(env.From),
		To:        formatAddresses(env.To),
		Cc:        formatAddresses(env.Cc),
		Date:      env.Date,
	}
}

func formatAddresses(addrs []imap.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.IsGroupStart() || a.IsGroupEnd() {
			continue
		}
		addr := &mail.Address{Name: a.Name, Address: a.Addr()}
		out = append(out, addr.String())
	}
	return out
}

// partFromStructure converts a BODYSTRUCTURE tree. path is the IMAP part
// number of bs; nil means the message root.
func partFromStructure(bs imap.BodyStructure, path []int) *Part {
	switch s := bs.(type) {
	case *imap.BodyStructureMultiPart:
		part := &Part{ContentType: strings.ToLower(s.MediaType()), Path: joinPath(path)}
		for i, child := range s.Children {
			childPath := append(append([]int{}, path...), i+1)
			part.Children = append(part.Children, partFromStructure(child, childPath))
		}
		return part
	case *imap.BodyStructureSinglePart:
		if path == nil {
			path = []int{1}
		}
		part := &Part{
			Path:        joinPath(path),
			ContentType: strings.ToLower(s.MediaType()),
			Charset:     s.Params["charset"],
			Encoding:    strings.ToLower(s.Encoding),
			ContentID:   strings.Trim(s.ID, "<>"),
			Size:        int64(s.Size),
			Filename:    s.Filename(),
		}
		if d := s.Disposition(); d != nil {
			part.Disposition = strings.ToLower(d.Value)
		}
		return part
	}
	return &Part{ContentType: "application/octet-stream", Path: joinPath(path)}
}

func joinPath(path []int) string {
	parts := make([]string, len(path))
	for i, n := range path {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

func parsePartPath(path string) []int {
	if path == "" {
		return nil
	}
	var out []int
	for _, s := range strings.Split(path, ".") {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil
		}
		out = append(out, n)
	}
	return out
}

func parseUID(s string) (imap.UID, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uid %q: %w", s, err)
	}
	return imap.UID(n), nil
}

func formatUID(uid imap.UID) string {
	return strconv.FormatUint(uint64(uid), 10)
}

func uidsOf(msgs []*Message) []imap.UID {
	uids := make([]imap.UID, 0, len(msgs))
	for _, m := range msgs {
		if id, err := parseUID(m.UID); err == nil {
			uids = append(uids, id)
		}
	}
	return uids
}

func expandUIDSet(set imap.UIDSet) []imap.UID {
	var out []imap.UID
	for _, r := range set {
		if r.Stop < r.Start {
			continue
		}
		for u := r.Start; u <= r.Stop; u++ {
			out = append(out, u)
		}
	}
	return out
}
