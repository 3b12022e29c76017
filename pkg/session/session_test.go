package session

import (
	"bytes"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arwyn/gotftp/pkg/eventlog"
	"github.com/arwyn/gotftp/pkg/transport"
	"github.com/arwyn/gotftp/pkg/wire"
)

func loopbackPair(t *testing.T) (*transport.Socket, *transport.Socket) {
	t.Helper()
	a, err := transport.BindEphemeral(transport.RoleServerSession)
	require.NoError(t, err)
	b, err := transport.BindEphemeral(transport.RoleClient)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func addrOf(s *transport.Socket) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.Port()}
}

func TestSendReceiveFileRoundTrip(t *testing.T) {
	serverSock, clientSock := loopbackPair(t)
	clientPeer := addrOf(clientSock)
	serverPeer := addrOf(serverSock)

	content := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 40)

	var wg sync.WaitGroup
	wg.Add(1)
	var sendErr error
	go func() {
		defer wg.Done()
		sender := NewEngine(serverSock, clientPeer, 64, eventlog.NullSink{}, &Termination{})
		_, sendErr = sender.SendFile(bytes.NewReader(content))
	}()

	receiver := NewEngine(clientSock, serverPeer, 64, eventlog.NullSink{}, &Termination{})
	var out bytes.Buffer
	n, err := receiver.ReceiveFile(&out)
	wg.Wait()

	require.NoError(t, sendErr)
	require.NoError(t, err)
	assert.EqualValues(t, len(content), n)
	assert.Equal(t, content, out.Bytes())
}

func TestSendFileExactMultipleOfBlockSizeSendsFinalEmptyBlock(t *testing.T) {
	serverSock, clientSock := loopbackPair(t)
	clientPeer := addrOf(clientSock)
	serverPeer := addrOf(serverSock)

	content := bytes.Repeat([]byte("x"), 64) // exactly one block of 64

	var wg sync.WaitGroup
	wg.Add(1)
	var sendErr error
	go func() {
		defer wg.Done()
		sender := NewEngine(serverSock, clientPeer, 64, eventlog.NullSink{}, &Termination{})
		_, sendErr = sender.SendFile(bytes.NewReader(content))
	}()

	receiver := NewEngine(clientSock, serverPeer, 64, eventlog.NullSink{}, &Termination{})
	var out bytes.Buffer
	n, err := receiver.ReceiveFile(&out)
	wg.Wait()

	require.NoError(t, sendErr)
	require.NoError(t, err)
	assert.EqualValues(t, len(content), n)
}

func TestReceiveFileAbortsOnPeerError(t *testing.T) {
	serverSock, clientSock := loopbackPair(t)
	clientPeer := addrOf(clientSock)
	serverPeer := addrOf(serverSock)

	go func() {
		serverSock.SendTo(wire.EncodeError(wire.ErrOutOfSpace, "disk full"), clientPeer)
	}()

	receiver := NewEngine(clientSock, serverPeer, 64, eventlog.NullSink{}, &Termination{})
	var out bytes.Buffer
	_, err := receiver.ReceiveFile(&out)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestTerminationStopsReceiveLoop(t *testing.T) {
	_, clientSock := loopbackPair(t)
	peer := addrOf(clientSock) // nobody is listening, every recv times out... but term fires first
	term := &Termination{}
	term.Set()

	receiver := NewEngine(clientSock, peer, 64, eventlog.NullSink{}, term)
	var out bytes.Buffer
	_, err := receiver.ReceiveFile(&out)
	assert.ErrorIs(t, err, ErrTerminated)
}

func TestParseRequestRejectsNetascii(t *testing.T) {
	raw := wire.EncodeRequest(wire.OpReadRequest, "f", wire.ModeNetascii, 0)
	_, err := ParseRequest(raw)
	assert.ErrorIs(t, err, ErrUnsupportedMode)
}

func TestParseRequestDefaultsBlockSize(t *testing.T) {
	raw := wire.EncodeRequest(wire.OpReadRequest, "f", wire.ModeOctet, 0)
	req, err := ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, wire.DefaultBlockSize, req.BlockSize)
}

func TestParseRequestRejectsOutOfRangeBlockSize(t *testing.T) {
	raw := wire.EncodeRequest(wire.OpWriteRequest, "f", wire.ModeOctet, 7)
	_, err := ParseRequest(raw)
	assert.ErrorIs(t, err, ErrBadBlockSize)
}

func TestAwaitAckSucceedsOnlyOnMatchingBlock(t *testing.T) {
	serverSock, clientSock := loopbackPair(t)
	clientPeer := addrOf(clientSock)
	serverPeer := addrOf(serverSock)

	go func() {
		serverSock.SendTo(wire.EncodeAck(0), clientPeer) // stray, must be ignored
		serverSock.SendTo(wire.EncodeAck(1), clientPeer) // the commit ack
	}()

	receiver := NewEngine(clientSock, serverPeer, 64, eventlog.NullSink{}, &Termination{})
	err := receiver.AwaitAck(1)
	require.NoError(t, err)
}

func TestAwaitAckReturnsAbortedOnPeerError(t *testing.T) {
	serverSock, clientSock := loopbackPair(t)
	clientPeer := addrOf(clientSock)
	serverPeer := addrOf(serverSock)

	go func() {
		serverSock.SendTo(wire.EncodeError(wire.ErrUndefined, "could not remove"), clientPeer)
	}()

	receiver := NewEngine(clientSock, serverPeer, 64, eventlog.NullSink{}, &Termination{})
	err := receiver.AwaitAck(1)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestDeleteRequestParsesWithoutMode(t *testing.T) {
	raw := wire.EncodeRequest(wire.OpDeleteRequest, "gone", wire.ModeOctet, 0)
	req, err := ParseRequest(raw)
	require.NoError(t, err)
	assert.Equal(t, "gone", req.Filename)
	assert.Equal(t, wire.OpDeleteRequest, req.Op)
}
