// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Tunnel(t *testing.T) {
	cos := DefaultClassOfService()
	cos.FlowControl.Type = FlowControlBidirectional
	cos.DataIntegrity.Type = DataIntegrityReliable

	in := &TunnelStatus{
		StreamID: 5,
		Domain:   DomainSystem,
		Status: StreamStatus{
			Stream: StreamStateRedirected,
			Data:   DataStateSuspect,
			Text:   "unsupported class of service",
		},
		ClassOfService: &cos,
	}
	buf, err := Encode(in)
	require.NoError(t, err)
	require.Equal(t, byte(TunnelStatusType), buf[0])

	out, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, in, out)

	data := &TunnelData{
		StreamID:     5,
		Domain:       DomainSystem,
		Seq:          12,
		MsgID:        3,
		FragNum:      2,
		FragTotal:    2,
		TotalLen:     9,
		Complete:     true,
		AckRequested: true,
		Payload:      []byte("fragment"),
	}
	buf, err = Encode(data)
	require.NoError(t, err)
	out, err = Decode(buf)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestEncodeDecode_Hello(t *testing.T) {
	buf, err := Encode(&Hello{ProtocolVersion: "1.4", PingInterval: 30 * time.Second, Role: RoleConsumer})
	require.NoError(t, err)

	out, err := Decode(buf)
	require.NoError(t, err)
	hello, ok := out.(*Hello)
	require.True(t, ok)
	require.Equal(t, 30*time.Second, hello.PingInterval)
	require.Equal(t, RoleConsumer, hello.Role)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(nil)
	require.True(t, IsErrInvalidArgument(err))

	_, err = Decode([]byte{0xEE, 0x80})
	require.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = Encode(nil)
	require.True(t, IsErrInvalidArgument(err))
}

func TestFrame_RoundTrip(t *testing.T) {
	var wire bytes.Buffer
	bodies := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte("x"), 5000)}
	for _, body := range bodies {
		frame := make([]byte, EncodedFrameSize(body))
		n, err := PutFrame(frame, body)
		require.NoError(t, err)
		require.Equal(t, len(frame), n)
		wire.Write(frame)
	}

	// A reader returning one byte at a time must still produce whole frames.
	r := iotest.OneByteReader(&wire)
	scratch := make([]byte, 16)
	for _, want := range bodies {
		got, err := ReadFrame(r, scratch)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ReadFrame(r, scratch)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrame_TooLarge(t *testing.T) {
	hdr := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	_, err := ReadFrame(bytes.NewReader(hdr), nil)
	require.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = PutFrame(make([]byte, 2), []byte("body"))
	require.True(t, IsErrInvalidArgument(err))
}

func TestKindOf(t *testing.T) {
	cases := map[string]struct {
		msg  Message
		kind Kind
	}{
		"ping":        {&Ping{}, KindSession},
		"login":       {&Request{Domain: DomainLogin}, KindLogin},
		"directory":   {&Refresh{Domain: DomainSource}, KindDirectory},
		"item":        {&Update{Domain: DomainMarketPrice}, KindItem},
		"dictionary":  {&Status{Domain: DomainDictionary}, KindItem},
		"tunnel data": {&TunnelData{Domain: DomainSystem}, KindTunnel},
		"tunnel open": {&TunnelOpen{Domain: DomainMarketPrice}, KindTunnel},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.kind, KindOf(tc.msg))
		})
	}
}

func TestWithStreamID(t *testing.T) {
	orig := &Refresh{StreamID: 7, Domain: DomainMarketPrice, Payload: []byte("img")}
	moved := WithStreamID(orig, 42).(*Refresh)
	require.Equal(t, int32(42), moved.StreamID)
	require.Equal(t, int32(7), orig.StreamID)
	require.Equal(t, int32(42), StreamIDOf(moved))
}

func TestCosFilter(t *testing.T) {
	f := FilterFlowControl | FilterDataIntegrity
	require.True(t, f.Has(FilterFlowControl))
	require.False(t, f.Has(FilterGuarantee))
	require.True(t, f.Known())
	require.Equal(t, "flow_control|data_integrity", f.String())
	require.False(t, CosFilter(0x40).Known())
}

func TestClassOfService_Filter(t *testing.T) {
	cos := DefaultClassOfService()
	require.Equal(t, FilterCommon, cos.Filter())

	cos.FlowControl.Type = FlowControlBidirectional
	cos.Guarantee.Type = GuaranteePersistentQueue
	require.Equal(t, FilterCommon|FilterFlowControl|FilterGuarantee, cos.Filter())
	require.Equal(t, 16, cos.FlowControl.RecvWindowSize)
	require.Equal(t, 6144, cos.Common.MaxMsgSize)
}
