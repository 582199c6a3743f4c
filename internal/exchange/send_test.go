package exchange

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const outgoing = "From: jdoe@example.com\r\n" +
	"To: a@example.com, b@example.com\r\n" +
	"Cc: <c@example.com>\r\n" +
	"Subject: Status\r\n" +
	"\r\n" +
	"All good.\r\n"

func TestSend(t *testing.T) {
	srv, conn := connect(t)

	envelope := []string{"a@example.com", "c@example.com", "d@example.com"}
	require.NoError(t, conn.Send(context.Background(), envelope, strings.NewReader(outgoing)))

	sent := srv.SentMessages()
	require.Len(t, sent, 1)
	require.True(t, strings.HasPrefix(sent[0].Draft, "/exchange/"+testMailbox+"/Drafts/"))
	require.True(t, strings.HasSuffix(sent[0].Draft, ".EML"))
	require.Empty(t, srv.Drafts())

	data := string(sent[0].Data)
	require.Contains(t, data, "To: <a@example.com>\r\n")
	require.Contains(t, data, "Cc: <c@example.com>\r\n")
	require.Contains(t, data, "Bcc: <d@example.com>\r\n")
	require.NotContains(t, data, "b@example.com")
	require.True(t, strings.HasSuffix(data, "\r\n\r\nAll good.\r\n"))

	put := srv.RequestsFor(http.MethodPut)
	require.Len(t, put, 1)
	require.Equal(t, "message/rfc822", put[0].Header.Get("Content-Type"))
	move := srv.RequestsFor("MOVE")
	require.Len(t, move, 1)
	require.Equal(t, "t", move[0].Header.Get("Saveinsent"))
}

func TestSendInvalidAddressBeforeNetwork(t *testing.T) {
	srv, conn := connect(t)
	before := srv.Hits()

	err := conn.Send(context.Background(), []string{"bogus"}, strings.NewReader(outgoing))
	require.ErrorIs(t, err, ErrInvalidAddress)
	require.Equal(t, before, srv.Hits())
}

func TestSendWithoutRecipients(t *testing.T) {
	srv, conn := connect(t)
	before := srv.Hits()

	err := conn.Send(context.Background(), nil, strings.NewReader("To: a@x\r\nSubject: s\r\n\r\nbody"))
	require.ErrorIs(t, err, ErrInvalidAddress)
	require.Equal(t, before, srv.Hits())
	require.Empty(t, srv.SentMessages())
	require.Empty(t, srv.RequestsFor(http.MethodPut))
}

func TestSendRequiresConnection(t *testing.T) {
	srv, conn := setupServer(t)

	err := conn.Send(context.Background(), []string{"a@example.com"}, strings.NewReader(outgoing))
	require.ErrorIs(t, err, ErrNotConnected)
	require.Zero(t, srv.Hits())
}

func TestSendFailures(t *testing.T) {
	t.Run("put", func(t *testing.T) {
		srv, conn := connect(t)
		srv.Fail(http.MethodPut, http.StatusInsufficientStorage)

		err := conn.Send(context.Background(), []string{"a@example.com"}, strings.NewReader(outgoing))
		require.True(t, IsProtocolError(err, OpSend))
		require.Empty(t, srv.SentMessages())
	})
	t.Run("move", func(t *testing.T) {
		srv, conn := connect(t)
		srv.Fail("MOVE", http.StatusForbidden)

		err := conn.Send(context.Background(), []string{"a@example.com"}, strings.NewReader(outgoing))
		var perr *ProtocolError
		require.ErrorAs(t, err, &perr)
		require.Equal(t, OpSend, perr.Op)
		require.Equal(t, http.StatusForbidden, perr.Status)
		require.Empty(t, srv.Drafts(), "draft should be removed")
	})
}
