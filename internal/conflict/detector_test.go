package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/ledgerkeeper/internal/crdt"
	"github.com/iudanet/ledgerkeeper/internal/models"
	"github.com/iudanet/ledgerkeeper/internal/schema"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestDetector() *Detector {
	d := NewDetector(schema.Builtin())
	d.now = func() time.Time { return fixedNow }
	d.newID = func() string { return "conflict-1" }
	return d
}

func change(entityType, device string, seq, ts int64, base models.VersionVector, op models.OpKind, delta map[string]string) *models.ChangeRecord {
	return &models.ChangeRecord{
		ID:         device + "-change",
		CompanyID:  "company-1",
		EntityID:   "entity-1",
		EntityType: entityType,
		DeviceID:   device,
		Seq:        seq,
		Timestamp:  ts,
		Op:         op,
		Delta:      delta,
		Base:       base,
	}
}

// concurrentMerge создает сущность, применяет правку local и сливает с правкой remote.
func concurrentMerge(t *testing.T, entityType string, initial, local, remote map[string]string) *crdt.MergeResult {
	t.Helper()
	e := crdt.NewEngine(schema.Builtin())

	created, err := e.Merge(nil, crdt.ChangeState(change(entityType, "S", 1, 1, nil, models.OpCreate, initial)))
	require.NoError(t, err)
	base := created.Entity.Vector

	onLocal, err := e.Merge(created.Entity, crdt.ChangeState(change(entityType, "X", 1, 5, base, models.OpUpdate, local)))
	require.NoError(t, err)

	res, err := e.Merge(onLocal.Entity, crdt.ChangeState(change(entityType, "Y", 1, 6, base, models.OpUpdate, remote)))
	require.NoError(t, err)
	return res
}

func TestDetector_Classify(t *testing.T) {
	tests := []struct {
		initial        map[string]string
		local          map[string]string
		remote         map[string]string
		name           string
		entityType     string
		classification models.Classification
		status         models.ConflictStatus
		reason         models.ConflictReason
		fields         []string
		unresolved     []string
	}{
		{
			name:           "scenario 1 later amount wins without user action",
			entityType:     "transaction",
			initial:        map[string]string{"amount": "100"},
			local:          map[string]string{"amount": "120"},
			remote:         map[string]string{"amount": "150"},
			classification: models.ClassAutoResolved,
			status:         models.StatusResolvedAutomatically,
			reason:         models.ReasonLWW,
			fields:         []string{"amount"},
		},
		{
			name:           "amount on reconciled transaction",
			entityType:     "transaction",
			initial:        map[string]string{"amount": "100", "reconciled": "true"},
			local:          map[string]string{"amount": "120", "memo": "a"},
			remote:         map[string]string{"amount": "150", "memo": "b"},
			classification: models.ClassNeedsFieldChoice,
			status:         models.StatusUnresolved,
			reason:         models.ReasonHighSensitivity,
			fields:         []string{"amount", "memo"},
			unresolved:     []string{"amount"},
		},
		{
			name:           "interdependent sensitive fields",
			entityType:     "invoice",
			initial:        map[string]string{"tax": "10", "total": "110"},
			local:          map[string]string{"tax": "20", "total": "120"},
			remote:         map[string]string{"tax": "15", "total": "115"},
			classification: models.ClassNeedsEntityChoice,
			status:         models.StatusUnresolved,
			reason:         models.ReasonHighSensitivity,
			fields:         []string{"tax", "total"},
			unresolved:     []string{"tax", "total"},
		},
		{
			name:           "scenario 2 balanced journal entry",
			entityType:     "journal_entry",
			initial:        map[string]string{"lines.1.amount": "-10", "lines.2.amount": "10"},
			local:          map[string]string{"lines.1.amount": "-50", "lines.2.amount": "50"},
			remote:         map[string]string{"lines.1.amount": "-75", "lines.2.amount": "75"},
			classification: models.ClassNeedsEntityChoice,
			status:         models.StatusUnresolved,
			reason:         models.ReasonBalanced,
			fields:         []string{"lines.1.amount", "lines.2.amount"},
			unresolved:     []string{"lines.1.amount", "lines.2.amount"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := concurrentMerge(t, tt.entityType, tt.initial, tt.local, tt.remote)
			rec := newTestDetector().Classify(res, "Y-change")

			require.NotNil(t, rec)
			assert.Equal(t, "conflict-1", rec.ID)
			assert.Equal(t, "entity-1", rec.EntityID)
			assert.Equal(t, "company-1", rec.CompanyID)
			assert.Equal(t, tt.classification, rec.Classification)
			assert.Equal(t, tt.status, rec.Status)
			assert.Equal(t, tt.reason, rec.Reason)
			assert.Equal(t, tt.fields, rec.Fields)
			assert.Equal(t, tt.unresolved, rec.Unresolved())
			assert.Equal(t, []string{"Y-change"}, rec.ChangeIDs)

			for _, f := range rec.Fields {
				require.Len(t, rec.Candidates[f], 2, "field %s", f)
				local, ok := rec.Candidate(f, models.SideLocal)
				require.True(t, ok)
				assert.Equal(t, tt.local[f], local.Value)
				assert.Equal(t, "X", local.DeviceID)
				remote, ok := rec.Candidate(f, models.SideRemote)
				require.True(t, ok)
				assert.Equal(t, tt.remote[f], remote.Value)
				assert.Equal(t, "Y", remote.DeviceID)
			}
		})
	}
}

func TestDetector_Classify_AuditRecordForAutoMerge(t *testing.T) {
	res := concurrentMerge(t, "account", map[string]string{"name": "Cash"},
		map[string]string{"name": "Cash box"}, map[string]string{"name": "Petty cash"})

	rec := newTestDetector().Classify(res)
	require.NotNil(t, rec, "every difference leaves an audit record")
	assert.False(t, rec.IsOpen())
	require.NotNil(t, rec.ResolvedAt)
	assert.Equal(t, fixedNow, *rec.ResolvedAt)

	winner, ok := rec.Candidate("name", models.SideRemote)
	require.True(t, ok)
	assert.True(t, winner.Winner)
	assert.Equal(t, map[string]string{"name": "Petty cash"}, rec.Resolutions)
	assert.Empty(t, rec.Unresolved())
}

func TestDetector_Classify_NoDiffs(t *testing.T) {
	d := newTestDetector()
	assert.Nil(t, d.Classify(nil))
	assert.Nil(t, d.Classify(&crdt.MergeResult{Entity: &models.Entity{}, Ordering: crdt.V2Dominates}))
}

func TestDetector_Classify_Malformed(t *testing.T) {
	local := &models.Entity{ID: "entity-1", Type: "account", Fields: map[string]models.FieldValue{
		"name": {Value: "Cash", Timestamp: 1, DeviceID: "X", Seq: 1},
	}, Vector: models.VersionVector{"X": 1}}
	remote := &models.Entity{ID: "entity-1", Type: "account", Fields: map[string]models.FieldValue{
		"name": {Value: "Bank"},
	}, Vector: models.VersionVector{"Y": 1}}

	res, err := crdt.NewEngine(schema.Builtin()).Merge(local, remote)
	require.NoError(t, err)

	rec := newTestDetector().Classify(res)
	require.NotNil(t, rec)
	assert.Equal(t, models.ClassNeedsEntityChoice, rec.Classification)
	assert.Equal(t, models.ReasonMalformed, rec.Reason)
	assert.True(t, rec.IsOpen())
}

func TestDetector_Fold(t *testing.T) {
	d := newTestDetector()
	open := &models.ConflictRecord{
		ID:             "conflict-1",
		EntityID:       "entity-1",
		Fields:         []string{"memo"},
		Classification: models.ClassNeedsFieldChoice,
		Reason:         models.ReasonHighSensitivity,
		Status:         models.StatusUnresolved,
		Resolutions:    map[string]string{"memo": "a"},
		Candidates: map[string][]models.Candidate{
			"memo": {
				{Side: models.SideLocal, Value: "a", DeviceID: "X", Timestamp: 5, Seq: 1},
				{Side: models.SideRemote, Value: "b", DeviceID: "Y", Timestamp: 6, Seq: 1},
			},
		},
		ChangeIDs: []string{"c1"},
	}
	next := &models.ConflictRecord{
		Fields:         []string{"lines.1.amount", "memo"},
		Classification: models.ClassNeedsEntityChoice,
		Reason:         models.ReasonBalanced,
		Status:         models.StatusUnresolved,
		Candidates: map[string][]models.Candidate{
			"memo": {
				{Side: models.SideLocal, Value: "a2", DeviceID: "X", Timestamp: 7, Seq: 2},
				{Side: models.SideRemote, Value: "c", DeviceID: "Z", Timestamp: 8, Seq: 1},
			},
			"lines.1.amount": {
				{Side: models.SideLocal, Value: "-1", DeviceID: "X", Timestamp: 7, Seq: 2},
				{Side: models.SideRemote, Value: "-2", DeviceID: "Z", Timestamp: 8, Seq: 1},
			},
		},
		ChangeIDs: []string{"c1", "c2"},
	}

	folded := d.Fold(open, next)

	assert.Equal(t, "conflict-1", folded.ID)
	assert.Equal(t, []string{"lines.1.amount", "memo"}, folded.Fields)
	assert.Equal(t, models.ClassNeedsEntityChoice, folded.Classification)
	assert.Equal(t, models.ReasonBalanced, folded.Reason)
	assert.Equal(t, []string{"c1", "c2"}, folded.ChangeIDs)
	assert.Equal(t, []string{"lines.1.amount", "memo"}, folded.Unresolved(), "re-contended field reopens")

	memoLocal, _ := folded.Candidate("memo", models.SideLocal)
	memoRemote, _ := folded.Candidate("memo", models.SideRemote)
	assert.Equal(t, "a", memoLocal.Value, "original local candidate kept")
	assert.Equal(t, "c", memoRemote.Value, "newest remote candidate wins")

	// исходная запись не изменилась
	assert.Equal(t, []string{"memo"}, open.Fields)
	assert.Equal(t, models.ClassNeedsFieldChoice, open.Classification)
}

func TestDetector_Supersede(t *testing.T) {
	d := newTestDetector()
	open := &models.ConflictRecord{
		ID:             "conflict-1",
		Fields:         []string{"lines.1.amount", "lines.2.amount"},
		Classification: models.ClassNeedsEntityChoice,
		Status:         models.StatusUnresolved,
	}

	partial, changed := d.Supersede(open, &models.ChangeRecord{ID: "r1", Op: models.OpUpdate, Delta: map[string]string{"lines.1.amount": "-75"}})
	require.True(t, changed)
	assert.True(t, partial.IsOpen())
	assert.Equal(t, []string{"lines.2.amount"}, partial.Unresolved())

	unrelated, changed := d.Supersede(partial, &models.ChangeRecord{ID: "r2", Op: models.OpUpdate, Delta: map[string]string{"memo": "x"}})
	assert.False(t, changed)
	assert.True(t, unrelated.IsOpen())

	done, changed := d.Supersede(partial, &models.ChangeRecord{ID: "r3", Op: models.OpUpdate, Delta: map[string]string{"lines.2.amount": "75"}})
	require.True(t, changed)
	assert.Equal(t, models.StatusResolvedByUser, done.Status)
	assert.Equal(t, map[string]string{"lines.1.amount": "-75", "lines.2.amount": "75"}, done.Resolutions)
	assert.Equal(t, []string{"r1", "r3"}, done.ResolutionChangeIDs)
	require.NotNil(t, done.ResolvedAt)
}

func TestDetector_Supersede_Tombstone(t *testing.T) {
	d := newTestDetector()
	open := &models.ConflictRecord{
		Fields: []string{models.TombstoneField},
		Status: models.StatusUnresolved,
	}

	done, changed := d.Supersede(open, &models.ChangeRecord{ID: "r1", Op: models.OpRestore})
	require.True(t, changed)
	assert.Equal(t, models.StatusResolvedByUser, done.Status)
	assert.Equal(t, models.TombstoneClear, done.Resolutions[models.TombstoneField])
}

func TestDetector_Supersede_Absent(t *testing.T) {
	d := newTestDetector()
	open := &models.ConflictRecord{
		Fields: []string{"memo", "name"},
		Status: models.StatusUnresolved,
	}

	done, changed := d.Supersede(open, &models.ChangeRecord{ID: "r1", Op: models.OpUpdate, Delta: map[string]string{"name": "Cash"}}, "memo")
	require.True(t, changed)
	assert.Equal(t, models.StatusResolvedByUser, done.Status)
	assert.Equal(t, map[string]string{"memo": "", "name": "Cash"}, done.Resolutions)
}
