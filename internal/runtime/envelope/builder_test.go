package envelope

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outboxflow/internal/runtime/codec"
	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
)

type recordingEncoder struct {
	calls []codec.SchemaRef
	err   error
}

func (r *recordingEncoder) Encode(_ context.Context, value any, ref codec.SchemaRef) ([]byte, error) {
	r.calls = append(r.calls, ref)
	if r.err != nil {
		return nil, r.err
	}
	return []byte(fmt.Sprintf("%s:%v", ref.Name, value)), nil
}

var fixedNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newBuilder(enc Encoder) *Builder {
	return &Builder{Codec: enc, Now: func() time.Time { return fixedNow }, DefaultNamespace: "com.acme"}
}

func widgetBindings() []Binding {
	return []Binding{
		{Topic: "A", Schema: "Widget", KeyField: "widget_id", WatchedFields: []string{"name"}},
		{Topic: "B", Schema: "Widget", KeyField: "widget_id"},
	}
}

func TestPayloadTags(t *testing.T) {
	var zero Payload
	assert.True(t, zero.IsTombstone())
	assert.Nil(t, Tombstone().Bytes())

	empty := Encoded(nil)
	assert.False(t, empty.IsTombstone())
	assert.NotNil(t, empty.Bytes())
	assert.Equal(t, []byte("x"), Encoded([]byte("x")).Bytes())
}

func TestBuildCreateEncodesAfterState(t *testing.T) {
	enc := &recordingEncoder{}
	b := newBuilder(enc)
	b.TopicPrefix = "dev."

	envs, err := b.Build(context.Background(), Change{
		Kind:  Create,
		After: Attributes{"widget_id": 1, "name": "widget"},
	}, widgetBindings())
	require.NoError(t, err)
	require.Len(t, envs, 2)

	assert.Equal(t, "dev.A", envs[0].Topic)
	assert.Equal(t, "dev.B", envs[1].Topic)
	for _, env := range envs {
		assert.Equal(t, []byte("1"), env.Key)
		assert.Equal(t, "1", env.PartitionKey())
		assert.False(t, env.Payload.IsTombstone())
		assert.Equal(t, fixedNow, env.ProducedAt)
	}
	require.Len(t, enc.calls, 2)
	assert.Equal(t, codec.SchemaRef{Namespace: "com.acme", Name: "Widget"}, enc.calls[0])
}

func TestBuildDeleteProducesTombstoneWithoutEncoding(t *testing.T) {
	enc := &recordingEncoder{}
	b := newBuilder(enc)

	envs, err := b.Build(context.Background(), Change{
		Kind:   Delete,
		Before: Attributes{"widget_id": 9, "name": "widget"},
	}, widgetBindings())
	require.NoError(t, err)
	require.Len(t, envs, 2)
	for _, env := range envs {
		assert.True(t, env.Payload.IsTombstone())
		assert.Nil(t, env.Payload.Bytes())
		assert.Equal(t, []byte("9"), env.Key, "key comes from the pre-deletion state")
	}
	assert.Empty(t, enc.calls, "no schema encode for deletions")
}

func TestBuildUpdateWatchedFields(t *testing.T) {
	bindings := []Binding{{Topic: "A", Schema: "Widget", KeyField: "widget_id", WatchedFields: []string{"name"}}}
	before := Attributes{"widget_id": 1, "name": "widget", "color": "red"}

	tests := []struct {
		name  string
		after Attributes
		want  int
	}{
		{"unwatched field changed", Attributes{"widget_id": 1, "name": "widget", "color": "blue"}, 0},
		{"nothing changed", Attributes{"widget_id": 1, "name": "widget", "color": "red"}, 0},
		{"watched field changed", Attributes{"widget_id": 1, "name": "widget2", "color": "red"}, 1},
		{"watched field removed", Attributes{"widget_id": 1, "color": "red"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := &recordingEncoder{}
			envs, err := newBuilder(enc).Build(context.Background(), Change{Kind: Update, Before: before, After: tt.after}, bindings)
			require.NoError(t, err)
			assert.Len(t, envs, tt.want)
			assert.Len(t, enc.calls, tt.want)
		})
	}
}

func TestBuildCreateAndDeleteIgnoreWatchedFields(t *testing.T) {
	bindings := []Binding{{Topic: "A", Schema: "Widget", WatchedFields: []string{"never_set"}}}
	b := newBuilder(&recordingEncoder{})

	envs, err := b.Build(context.Background(), Change{Kind: Create, After: Attributes{"name": "w"}}, bindings)
	require.NoError(t, err)
	assert.Len(t, envs, 1)
	assert.Nil(t, envs[0].Key, "no key field means unkeyed")

	envs, err = b.Build(context.Background(), Change{Kind: Delete, Before: Attributes{"name": "w"}}, bindings)
	require.NoError(t, err)
	assert.Len(t, envs, 1)
}

func TestBuildIncludePredicate(t *testing.T) {
	bindings := []Binding{{
		Topic:   "A",
		Schema:  "Widget",
		Include: func(a Attributes) bool { return a["published"] == true },
	}}
	b := newBuilder(&recordingEncoder{})

	envs, err := b.Build(context.Background(), Change{Kind: Create, After: Attributes{"published": false}}, bindings)
	require.NoError(t, err)
	assert.Empty(t, envs)

	envs, err = b.Build(context.Background(), Change{Kind: Delete, Before: Attributes{"published": true}}, bindings)
	require.NoError(t, err)
	assert.Len(t, envs, 1)
}

func TestBuildPayloadFuncAndDeletionOverride(t *testing.T) {
	enc := &recordingEncoder{}
	bindings := []Binding{{
		Topic:  "A",
		Schema: "WidgetSummary",
		PayloadFunc: func(a Attributes) (any, error) {
			return map[string]any{"label": a["name"]}, nil
		},
		DeletionPayload: func(a Attributes) (Payload, error) {
			return Encoded([]byte("deleted:" + a["name"].(string))), nil
		},
	}}
	b := newBuilder(enc)

	envs, err := b.Build(context.Background(), Change{Kind: Create, After: Attributes{"name": "w"}}, bindings)
	require.NoError(t, err)
	assert.Equal(t, "WidgetSummary:map[label:w]", string(envs[0].Payload.Bytes()))

	envs, err = b.Build(context.Background(), Change{Kind: Delete, Before: Attributes{"name": "w"}}, bindings)
	require.NoError(t, err)
	assert.Equal(t, "deleted:w", string(envs[0].Payload.Bytes()))
	assert.Len(t, enc.calls, 1, "deletion override is used as is")
}

func TestBuildKeys(t *testing.T) {
	state := Attributes{"widget_id": 5, "name": "w", "raw": []byte{1, 2}}

	tests := []struct {
		name    string
		binding Binding
		want    []byte
	}{
		{"unkeyed", Binding{Topic: "A", Schema: "W"}, nil},
		{"string field", Binding{Topic: "A", Schema: "W", KeyField: "name"}, []byte("w")},
		{"bytes field", Binding{Topic: "A", Schema: "W", KeyField: "raw"}, []byte{1, 2}},
		{"missing field", Binding{Topic: "A", Schema: "W", KeyField: "absent"}, nil},
		{"key schema", Binding{Topic: "A", Schema: "W", KeyField: "widget_id", KeySchema: "WidgetKey"}, []byte("WidgetKey:map[widget_id:5]")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs, err := newBuilder(&recordingEncoder{}).Build(context.Background(), Change{Kind: Create, After: state}, []Binding{tt.binding})
			require.NoError(t, err)
			require.Len(t, envs, 1)
			assert.Equal(t, tt.want, envs[0].Key)
		})
	}

	envs, err := newBuilder(&recordingEncoder{}).Build(context.Background(),
		Change{Kind: Create, After: Attributes{"b": 2, "a": 1}},
		[]Binding{{Topic: "A", Schema: "W", KeyField: KeyWholeRecord}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(envs[0].Key))
}

func TestBuildErrors(t *testing.T) {
	ctx := context.Background()
	create := Change{Kind: Create, After: Attributes{"name": "w"}}

	t.Run("codec failure is an encoding error", func(t *testing.T) {
		_, err := newBuilder(&recordingEncoder{err: errors.New("bad value")}).Build(ctx, create, widgetBindings())
		var encErr *errspkg.EncodingError
		require.ErrorAs(t, err, &encErr)
		assert.Equal(t, "com.acme.Widget", encErr.Schema)
	})

	t.Run("payload func failure", func(t *testing.T) {
		bindings := []Binding{{Topic: "A", Schema: "W", PayloadFunc: func(Attributes) (any, error) { return nil, errors.New("nope") }}}
		_, err := newBuilder(&recordingEncoder{}).Build(ctx, create, bindings)
		assert.Equal(t, errspkg.KindEncode, errspkg.Classify(err))
	})

	t.Run("missing codec", func(t *testing.T) {
		_, err := (&Builder{}).Build(ctx, create, widgetBindings())
		assert.ErrorIs(t, err, errspkg.ErrCodecRequired)
	})

	t.Run("missing topic", func(t *testing.T) {
		_, err := newBuilder(&recordingEncoder{}).Build(ctx, create, []Binding{{Schema: "W"}})
		assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
	})

	t.Run("one failing binding drops the whole change", func(t *testing.T) {
		bindings := append(widgetBindings(), Binding{Topic: "C", Schema: "W", PayloadFunc: func(Attributes) (any, error) { return nil, errors.New("x") }})
		envs, err := newBuilder(&recordingEncoder{}).Build(ctx, create, bindings)
		require.Error(t, err)
		assert.Nil(t, envs)
	})
}

func TestBuildWithAvroCodec(t *testing.T) {
	reg := codec.NewMemoryRegistry()
	reg.Register(codec.SchemaRef{Namespace: "com.acme", Name: "Widget"}, `{"type":"record","name":"Widget","namespace":"com.acme","fields":[{"name":"widget_id","type":"long"},{"name":"name","type":"string"}]}`)
	avro := codec.NewAvroCodec(reg)
	b := newBuilder(avro)

	envs, err := b.Build(context.Background(), Change{Kind: Create, After: Attributes{"widget_id": int64(1), "name": "widget"}}, widgetBindings())
	require.NoError(t, err)
	require.Len(t, envs, 2)

	decoded, err := avro.Decode(context.Background(), envs[0].Payload.Bytes(), codec.SchemaRef{Namespace: "com.acme", Name: "Widget"})
	require.NoError(t, err)
	assert.Equal(t, "widget", decoded.(map[string]any)["name"])

	_, err = b.Build(context.Background(), Change{Kind: Create, After: Attributes{"widget_id": int64(1)}}, widgetBindings())
	var encErr *errspkg.EncodingError
	require.ErrorAs(t, err, &encErr)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "create", Create.String())
	assert.Equal(t, "update", Update.String())
	assert.Equal(t, "delete", Delete.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
