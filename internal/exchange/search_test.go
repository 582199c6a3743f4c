package exchange

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListMessagesOrderAndFilter(t *testing.T) {
	srv, conn := connect(t)
	ctx := context.Background()

	first := srv.AddMessage("first.EML", []byte("Subject: 1\r\n\r\none"))
	second := srv.AddMessage("second.EML", []byte("Subject: 2\r\n\r\ntwo"))
	third := srv.AddMessage("third.EML", []byte("Subject: 3\r\n\r\nthree"))
	require.NoError(t, conn.MarkRead(ctx, []string{second}))

	all, err := conn.ListMessages(ctx, true, 0)
	require.NoError(t, err)
	require.Equal(t, []string{first, second, third}, all)

	unread, err := conn.ListMessages(ctx, false, 0)
	require.NoError(t, err)
	require.Equal(t, []string{first, third}, unread)
}

func TestListMessagesRange(t *testing.T) {
	srv, conn := connect(t)
	ctx := context.Background()
	for _, name := range []string{"a.EML", "b.EML", "c.EML"} {
		srv.AddMessage(name, []byte("x"))
	}

	for _, limit := range []int{-1, 0} {
		_, err := conn.ListMessages(ctx, true, limit)
		require.NoError(t, err)
	}
	_, err := conn.ListMessages(ctx, true, 1)
	require.NoError(t, err)
	_, err = conn.ListMessages(ctx, true, 25)
	require.NoError(t, err)

	searches := srv.RequestsFor("SEARCH")
	require.Len(t, searches, 4)
	require.Empty(t, searches[0].Header.Get("Range"))
	require.Empty(t, searches[1].Header.Get("Range"))
	require.Equal(t, "rows=0-1", searches[2].Header.Get("Range"))
	require.Equal(t, "rows=0-25", searches[3].Header.Get("Range"))
	for _, req := range searches {
		require.Equal(t, "t", req.Header.Get("Brief"))
		require.Equal(t, "/exchange/"+testMailbox+"/Inbox", req.Path)
	}
}

func TestSearchBodiesAreStable(t *testing.T) {
	srv, conn := connect(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := conn.ListMessages(ctx, false, 0)
		require.NoError(t, err)
		_, err = conn.ListMessages(ctx, true, 0)
		require.NoError(t, err)
	}

	searches := srv.RequestsFor("SEARCH")
	require.Len(t, searches, 4)
	require.Equal(t, searches[0].Body, searches[2].Body)
	require.Equal(t, searches[1].Body, searches[3].Body)
	require.False(t, bytes.Equal(searches[0].Body, searches[1].Body))
	require.Contains(t, string(searches[0].Body), "searchrequest")
}

func TestListMessageInfo(t *testing.T) {
	srv, conn := connect(t)
	ctx := context.Background()

	u := srv.AddMessage("info.EML", []byte("0123456789"))
	infos, err := conn.ListMessageInfo(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, u, infos[0].URL)
	require.EqualValues(t, 10, infos[0].Size)
	require.False(t, infos[0].Read)
	require.False(t, infos[0].Received.IsZero())
}

func TestListMessagesEmpty(t *testing.T) {
	_, conn := connect(t)
	urls, err := conn.ListMessages(context.Background(), false, 0)
	require.NoError(t, err)
	require.NotNil(t, urls)
	require.Empty(t, urls)
}

func TestListMessagesFailure(t *testing.T) {
	srv, conn := connect(t)
	srv.Fail("SEARCH", http.StatusInternalServerError)

	_, err := conn.ListMessages(context.Background(), true, 0)
	require.True(t, IsProtocolError(err, OpListMessages))
	require.True(t, conn.Connected())
}
