package contained

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/raskyld/contained/pkg/fault"
	"github.com/raskyld/contained/pkg/machine"
	"github.com/raskyld/contained/pkg/tonnetz"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRequestPayload(t *testing.T) {
	art := flipArtifact()
	deadline := time.Unix(0, 1_700_000_000_123_456_789)
	req := &Request{
		ID:       uuid.New(),
		Program:  art.Hash(),
		Artifact: art,
		Start:    tonnetz.MustTriad(9, tonnetz.Minor),
		Tape:     []tonnetz.Note{tonnetz.N(0), tonnetz.NO(4, -1), tonnetz.N(11)},
		Head:     2,
		Deadline: deadline,
	}

	got, err := unmarshalRequest(req.ID, req.marshal())
	require.NoError(t, err)
	require.Equal(t, req.Program, got.Program)
	require.Equal(t, art.Hash(), got.Artifact.Hash())
	require.Equal(t, req.Start, got.Start)
	require.Equal(t, req.Tape, got.Tape)
	require.True(t, got.Tape[1].Pinned())
	require.False(t, got.Tape[0].Pinned())
	require.True(t, deadline.Equal(got.Deadline))
	require.Equal(t, 2, got.Head)

	t.Run("optional fields stay empty", func(t *testing.T) {
		bare := &Request{Program: art.Hash()}
		got, err := unmarshalRequest(uuid.Nil, bare.marshal())
		require.NoError(t, err)
		require.Nil(t, got.Artifact)
		require.True(t, got.Deadline.IsZero())
		require.Empty(t, got.Tape)
		require.Zero(t, got.Head)
	})

	t.Run("rejects", func(t *testing.T) {
		_, err := unmarshalRequest(uuid.Nil, nil)
		require.ErrorIs(t, err, fault.Serialization)

		_, err = unmarshalRequest(uuid.Nil, []byte{0xff})
		require.ErrorIs(t, err, fault.Serialization)

		buf := protowire.AppendTag(nil, fieldReqProgram, protowire.BytesType)
		buf = protowire.AppendBytes(buf, make([]byte, 32))
		buf = protowire.AppendTag(buf, fieldReqStart, protowire.VarintType)
		buf = protowire.AppendVarint(buf, tonnetz.NumTriads)
		_, err = unmarshalRequest(uuid.Nil, buf)
		require.ErrorIs(t, err, fault.Serialization)

		past := &Request{Program: art.Hash(), Tape: []tonnetz.Note{tonnetz.N(0)}, Head: 2}
		_, err = unmarshalRequest(uuid.Nil, past.marshal())
		require.ErrorIs(t, err, fault.Serialization)
	})
}

func TestResultPayload(t *testing.T) {
	id := uuid.New()
	executor := testPeerOf(t, RoleFull).ID

	halted := Result{
		ID:        id,
		Executor:  executor,
		Status:    machine.Halted,
		Triad:     tonnetz.MustTriad(0, tonnetz.Minor),
		Tape:      []tonnetz.Note{tonnetz.N(1), tonnetz.N(0)},
		Head:      1,
		Steps:     1,
		Emissions: []machine.Emission{{Step: 0, Tag: "visit", Payload: []byte("0")}},
	}
	got, err := unmarshalResult(id, halted.marshal())
	require.NoError(t, err)
	require.Equal(t, halted, got)
	require.NoError(t, got.Err())

	failed := failedResult(id, executor, fault.New(fault.NotExecutor, "light peer"))
	got, err = unmarshalResult(id, failed.marshal())
	require.NoError(t, err)
	require.Equal(t, machine.Failed, got.Status)
	require.Equal(t, fault.NotExecutor, got.Kind)
	require.Equal(t, "light peer", got.Message)
	require.ErrorIs(t, got.Err(), fault.NotExecutor)

	plain := failedResult(id, executor, ErrUnreachable)
	require.Equal(t, fault.Aborted, plain.Kind)
}

func TestDigestPayload(t *testing.T) {
	d := &Digest{
		Subnet: "lab",
		Peers: []DigestEntry{
			{Peer: testPeerOf(t, RoleFull)},
			{Peer: testPeerOf(t, RoleLight), Age: 1500 * time.Millisecond},
		},
	}
	got, err := unmarshalDigest(d.marshal())
	require.NoError(t, err)
	require.Equal(t, d, got)

	a := ack{Executor: d.Peers[0].ID}
	gotAck, err := unmarshalAck(a.marshal())
	require.NoError(t, err)
	require.Equal(t, a, gotAck)

	entry := protowire.AppendTag(nil, fieldEntryAddr, protowire.BytesType)
	entry = protowire.AppendString(entry, "10.0.0.1:6174")
	buf := protowire.AppendTag(nil, fieldDigestEntry, protowire.BytesType)
	buf = protowire.AppendBytes(buf, entry)
	_, err = unmarshalDigest(buf)
	require.ErrorIs(t, err, fault.Serialization)
}
