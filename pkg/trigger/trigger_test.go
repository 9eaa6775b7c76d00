package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cuemby/provisioner/pkg/catalog"
	"github.com/cuemby/provisioner/pkg/reqctx"
	"github.com/cuemby/provisioner/pkg/resolver"
	"github.com/cuemby/provisioner/pkg/storage"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	grantToken  = "access_grant__c"
	grantObject = "access_grant"
)

// countingStore records the size of every bulk save per object
type countingStore struct {
	storage.Store
	mu    sync.Mutex
	saves map[string][]int
}

func (s *countingStore) BulkSave(ctx context.Context, records []*types.Record) (*storage.BulkResult, error) {
	s.mu.Lock()
	if len(records) > 0 {
		s.saves[records[0].Object] = append(s.saves[records[0].Object], len(records))
	}
	s.mu.Unlock()
	return s.Store.BulkSave(ctx, records)
}

type fakeReprovisioner struct {
	mu        sync.Mutex
	purged    []string
	refreshed []string
	err       error
}

func (f *fakeReprovisioner) Reprovision(ctx context.Context, rc *reqctx.Context, groupID string, refresh bool) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.purged = append(f.purged, groupID)
	if refresh {
		f.refreshed = append(f.refreshed, groupID)
	}
	return []string{"job"}, nil
}

type fixture struct {
	inner         *countingStore
	dispatcher    *Dispatcher
	reprovisioner *fakeReprovisioner
}

func newFixture(t *testing.T) *fixture {
	mem, err := storage.NewMemStore(storage.Schema{UniqueKeys: map[string][]string{
		grantObject: {"user", "setup_role", "setup_country"},
	}})
	require.NoError(t, err)
	inner := &countingStore{Store: mem, saves: map[string][]int{}}

	cat := catalog.NewStatic(map[string]map[string]string{
		types.PicklistManagedObject: {grantToken: grantObject},
	})
	res := resolver.NewResolver(inner, cat)
	reprovisioner := &fakeReprovisioner{}

	d := NewDispatcher(inner)
	d.Register(types.ObjectAssignment, NewAssignmentHandler(res, nil))
	d.Register(types.ObjectTemplate, NewTemplateHandler(inner, reprovisioner))

	f := &fixture{inner: inner, dispatcher: d, reprovisioner: reprovisioner}
	f.seedGroup(t, "g1", "setup_country", 3)
	f.seedGroup(t, "g2", "", 1)
	return f
}

func (f *fixture) seedGroup(t *testing.T, id, countryField string, templates int) {
	g := types.NewRecordWithID(types.ObjectTemplateGroup, id)
	g.SetText(types.FieldManagedObject, grantToken)
	g.SetText(types.FieldStatus, string(types.StatusActive))
	inline := "role_field:setup_role"
	if countryField != "" {
		g.SetText(types.FieldCountryField, countryField)
		inline += "|country_field:" + countryField
	}
	g.SetText(types.FieldInlineMapping, inline)
	recs := []*types.Record{g}

	for i := 0; i < templates; i++ {
		tmpl := types.NewRecord(types.ObjectTemplate)
		tmpl.SetText(types.FieldTemplateGroup, id)
		tmpl.SetText("role_field", fmt.Sprintf("role-%d", i))
		tmpl.SetText("country_field", "FR")
		tmpl.SetText(types.FieldStatus, string(types.StatusActive))
		recs = append(recs, tmpl)
	}

	res, err := f.inner.Store.BulkSave(context.Background(), recs)
	require.NoError(t, err)
	require.NoError(t, res.FirstError())
}

func (f *fixture) grants(t *testing.T) []*types.Record {
	recs, err := f.inner.Query(context.Background(), "select id from "+grantObject)
	require.NoError(t, err)
	return recs
}

func assignment(group, user, country string, status types.Status) *types.Record {
	return (&types.AssignmentRecord{GroupID: group, User: user, Country: country, Status: status}).ToRecord()
}

func save(t *testing.T, s storage.Store, recs ...*types.Record) *storage.BulkResult {
	res, err := s.BulkSave(context.Background(), recs)
	require.NoError(t, err)
	return res
}

func TestAssignmentInsertProvisions(t *testing.T) {
	f := newFixture(t)

	res := save(t, f.dispatcher, assignment("g1", "u1", "US", types.StatusActive))
	require.NoError(t, res.FirstError())

	grants := f.grants(t)
	require.Len(t, grants, 3)
	for _, g := range grants {
		assert.Equal(t, "u1", g.Text("user"))
		assert.Equal(t, "US", g.Text("setup_country"))
	}
}

func TestAssignmentInactiveInsertDoesNotProvision(t *testing.T) {
	f := newFixture(t)

	res := save(t, f.dispatcher, assignment("g1", "u1", "", types.StatusInactive))
	require.NoError(t, res.FirstError())
	assert.Empty(t, f.grants(t))
}

func TestAssignmentImmutability(t *testing.T) {
	tests := []struct {
		name   string
		change func(r *types.Record)
		err    error
	}{
		{name: "user change", change: func(r *types.Record) { r.SetText(types.FieldUser, "u2") }, err: ErrUserChanged},
		{name: "country change", change: func(r *types.Record) { r.SetText(types.FieldCountry, "CA") }, err: ErrCountryChanged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res := save(t, f.dispatcher, assignment("g1", "u1", "US", types.StatusInactive))
			require.NoError(t, res.FirstError())
			id := res.Items[0].ID

			update := types.NewRecordWithID(types.ObjectAssignment, id)
			update.SetText(types.FieldStatus, string(types.StatusActive))
			tt.change(update)

			res = save(t, f.dispatcher, update)
			err := res.Items[0].Err
			require.Error(t, err)
			assert.True(t, types.IsRejection(err))
			assert.Contains(t, err.Error(), tt.err.Error())
			assert.Contains(t, err.Error(), "contact your IT Administrator")

			// Nothing was written: the assignment is untouched and nothing provisioned
			stored, getErr := f.inner.Get(context.Background(), types.ObjectAssignment, id)
			require.NoError(t, getErr)
			assert.Equal(t, "u1", stored.Text(types.FieldUser))
			assert.Equal(t, types.StatusInactive, stored.Status())
			assert.Empty(t, f.grants(t))
		})
	}
}

func TestAssignmentCountryRequiresCountryField(t *testing.T) {
	f := newFixture(t)

	res := save(t, f.dispatcher,
		assignment("g2", "u1", "US", types.StatusActive),
		assignment("g2", "u2", "", types.StatusActive),
	)
	require.Error(t, res.Items[0].Err)
	assert.Contains(t, res.Items[0].Err.Error(), ErrCountryNotSet.Error())
	require.NoError(t, res.Items[1].Err)

	// Rejections are per record
	grants := f.grants(t)
	require.Len(t, grants, 1)
	assert.Equal(t, "u2", grants[0].Text("user"))
}

func TestAssignmentSetupErrorRejects(t *testing.T) {
	f := newFixture(t)

	res := save(t, f.dispatcher, assignment("missing", "u1", "", types.StatusActive))
	err := res.Items[0].Err
	require.Error(t, err)
	assert.Contains(t, err.Error(), types.ErrMsgGroupNotFound)

	n, countErr := f.inner.Count(context.Background(), "select id from "+types.ObjectAssignment)
	require.NoError(t, countErr)
	assert.Equal(t, int64(0), n)
}

func TestAssignmentResaveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	res := save(t, f.dispatcher, assignment("g1", "u1", "US", types.StatusActive))
	require.NoError(t, res.FirstError())

	// A refresh re-saves a bare reference; regenerated duplicates are absorbed
	for i := 0; i < 2; i++ {
		res = save(t, f.dispatcher, types.NewRecordWithID(types.ObjectAssignment, res.Items[0].ID))
		require.NoError(t, res.FirstError())
	}
	assert.Len(t, f.grants(t), 3)
}

func TestAssignmentReactivationProvisions(t *testing.T) {
	f := newFixture(t)
	res := save(t, f.dispatcher, assignment("g1", "u1", "", types.StatusInactive))
	require.NoError(t, res.FirstError())

	update := types.NewRecordWithID(types.ObjectAssignment, res.Items[0].ID)
	update.SetText(types.FieldStatus, string(types.StatusActive))
	res = save(t, f.dispatcher, update)
	require.NoError(t, res.FirstError())

	grants := f.grants(t)
	require.Len(t, grants, 3)
	// Without an assignment country the template value stays
	assert.Equal(t, "FR", grants[0].Text("setup_country"))
}

func TestAssignmentBufferFlushesInChunks(t *testing.T) {
	f := newFixture(t)

	var recs []*types.Record
	for i := 0; i < 1700; i++ {
		recs = append(recs, assignment("g1", fmt.Sprintf("u%04d", i), "", types.StatusActive))
	}
	res := save(t, f.dispatcher, recs...)
	require.NoError(t, res.FirstError())

	total := 0
	for _, size := range f.inner.saves[grantObject] {
		assert.LessOrEqual(t, size, 500)
		total += size
	}
	assert.Equal(t, 5100, total)
	assert.Len(t, f.grants(t), 5100)
}

// rejectingHandler rejects every change in Before
type rejectingHandler struct{}

func (rejectingHandler) Name() string { return "reject_all" }

func (rejectingHandler) Before(ctx context.Context, rc *reqctx.Context, b *Batch) error {
	return errors.New("managed object is locked")
}

func (rejectingHandler) After(ctx context.Context, rc *reqctx.Context, b *Batch, store storage.Store) error {
	return nil
}

func TestAfterFailureRollsBackBatch(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.Register(grantObject, rejectingHandler{})

	res := save(t, f.dispatcher,
		assignment("g2", "u1", "", types.StatusActive),
		assignment("g2", "u2", "", types.StatusActive),
	)
	for _, item := range res.Items {
		require.Error(t, item.Err)
		assert.True(t, types.IsRejection(item.Err))
		assert.Contains(t, item.Err.Error(), "managed object is locked")
	}

	n, err := f.inner.Count(context.Background(), "select id from "+types.ObjectAssignment)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Empty(t, f.grants(t))
}

func TestAfterFailureRestoresUpdatedRecords(t *testing.T) {
	f := newFixture(t)
	res := save(t, f.dispatcher, assignment("g2", "u1", "", types.StatusInactive))
	require.NoError(t, res.FirstError())
	id := res.Items[0].ID

	f.dispatcher.Register(grantObject, rejectingHandler{})
	update := types.NewRecordWithID(types.ObjectAssignment, id)
	update.SetText(types.FieldStatus, string(types.StatusActive))
	res = save(t, f.dispatcher, update)
	require.Error(t, res.Items[0].Err)

	stored, err := f.inner.Get(context.Background(), types.ObjectAssignment, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInactive, stored.Status())
}

func templateRecord(group string, status types.Status) *types.Record {
	r := types.NewRecord(types.ObjectTemplate)
	r.SetText(types.FieldTemplateGroup, group)
	r.SetText("role_field", "late")
	r.SetText(types.FieldStatus, string(status))
	return r
}

func TestTemplateInsertGuard(t *testing.T) {
	f := newFixture(t)
	res := save(t, f.dispatcher, assignment("g1", "u1", "", types.StatusActive))
	require.NoError(t, res.FirstError())

	res = save(t, f.dispatcher,
		templateRecord("g1", types.StatusActive),
		templateRecord("g1", types.StatusInactive),
		templateRecord("g2", types.StatusActive),
	)
	require.Error(t, res.Items[0].Err)
	assert.Contains(t, res.Items[0].Err.Error(), "New templates must be created inactive")
	assert.NoError(t, res.Items[1].Err)
	assert.NoError(t, res.Items[2].Err)
}

func TestTemplateDeleteGuard(t *testing.T) {
	f := newFixture(t)
	res := save(t, f.dispatcher, templateRecord("g1", types.StatusActive), templateRecord("g1", types.StatusInactive))
	require.NoError(t, res.FirstError())
	active, inactive := res.Items[0].ID, res.Items[1].ID

	res = save(t, f.dispatcher, assignment("g1", "u1", "", types.StatusActive))
	require.NoError(t, res.FirstError())

	del, err := f.dispatcher.BulkDelete(context.Background(), []*types.Record{
		types.NewRecordWithID(types.ObjectTemplate, active),
		types.NewRecordWithID(types.ObjectTemplate, inactive),
		types.NewRecordWithID(types.ObjectTemplate, "never-existed"),
	})
	require.NoError(t, err)
	require.Error(t, del.Items[0].Err)
	assert.Contains(t, del.Items[0].Err.Error(), "Active templates cannot be deleted")
	assert.NoError(t, del.Items[1].Err)
	assert.NoError(t, del.Items[2].Err)

	_, err = f.inner.Get(context.Background(), types.ObjectTemplate, active)
	assert.NoError(t, err)
	_, err = f.inner.Get(context.Background(), types.ObjectTemplate, inactive)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTemplateUpdateSchedulesReconciliation(t *testing.T) {
	tests := []struct {
		name      string
		from, to  types.Status
		refreshed bool
	}{
		{name: "active stays active", from: types.StatusActive, to: types.StatusActive, refreshed: true},
		{name: "inactivated", from: types.StatusActive, to: types.StatusInactive, refreshed: true},
		{name: "activated", from: types.StatusInactive, to: types.StatusActive, refreshed: true},
		{name: "inactive stays inactive", from: types.StatusInactive, to: types.StatusInactive, refreshed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res := save(t, f.dispatcher, templateRecord("g2", tt.from))
			require.NoError(t, res.FirstError())

			update := types.NewRecordWithID(types.ObjectTemplate, res.Items[0].ID)
			update.SetText(types.FieldStatus, string(tt.to))
			res = save(t, f.dispatcher, update)
			require.NoError(t, res.FirstError())

			assert.Equal(t, []string{"g2"}, f.reprovisioner.purged)
			if tt.refreshed {
				assert.Equal(t, []string{"g2"}, f.reprovisioner.refreshed)
			} else {
				assert.Empty(t, f.reprovisioner.refreshed)
			}
		})
	}
}

func TestTemplateUpdatePurgeFailureRejects(t *testing.T) {
	f := newFixture(t)
	res := save(t, f.dispatcher, templateRecord("g2", types.StatusInactive))
	require.NoError(t, res.FirstError())

	f.reprovisioner.err = types.NewSetupError(types.ErrMsgNoMappings)
	update := types.NewRecordWithID(types.ObjectTemplate, res.Items[0].ID)
	update.SetText("role_field", "renamed")
	res = save(t, f.dispatcher, update)

	require.Error(t, res.Items[0].Err)
	assert.Contains(t, res.Items[0].Err.Error(), types.ErrMsgNoMappings)
	assert.Empty(t, f.reprovisioner.refreshed)

	// The update is undone
	stored, err := f.inner.Get(context.Background(), types.ObjectTemplate, res.Items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "late", stored.Text("role_field"))
}

// selfWritingHandler re-saves its own records from After
type selfWritingHandler struct {
	mu     sync.Mutex
	before int
	after  int
}

func (h *selfWritingHandler) Name() string { return "self_writing" }

func (h *selfWritingHandler) Before(ctx context.Context, rc *reqctx.Context, b *Batch) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before++
	return nil
}

func (h *selfWritingHandler) After(ctx context.Context, rc *reqctx.Context, b *Batch, store storage.Store) error {
	h.mu.Lock()
	h.after++
	h.mu.Unlock()

	var touch []*types.Record
	for _, c := range b.Changes {
		r := types.NewRecordWithID(c.New.Object, c.New.ID)
		r.SetText("touched", "true")
		touch = append(touch, r)
	}
	res, err := store.BulkSave(ctx, touch)
	if err != nil {
		return err
	}
	return res.FirstError()
}

func TestReentrantHandlerSkipped(t *testing.T) {
	f := newFixture(t)
	h := &selfWritingHandler{}
	f.dispatcher.Register("note", h)

	note := types.NewRecord("note")
	note.SetText("body", "hello")
	res := save(t, f.dispatcher, note)
	require.NoError(t, res.FirstError())

	assert.Equal(t, 1, h.before)
	assert.Equal(t, 1, h.after)

	stored, err := f.inner.Get(context.Background(), "note", res.Items[0].ID)
	require.NoError(t, err)
	assert.True(t, stored.Bool("touched"))
}

func TestPassThroughWithoutHandlers(t *testing.T) {
	f := newFixture(t)

	other := types.NewRecord("unwatched")
	other.SetText("x", "1")
	mixed := []*types.Record{other, assignment("g1", "u1", "", types.StatusInactive)}
	res := save(t, f.dispatcher, mixed...)
	require.NoError(t, res.FirstError())
	require.Len(t, res.Items, 2)
	assert.Equal(t, 0, res.Items[0].Position)
	assert.Equal(t, 1, res.Items[1].Position)
	assert.NotEmpty(t, res.Items[0].ID)
	assert.NotEmpty(t, res.Items[1].ID)
}
