package streamer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, c *Client[int]) *int {
	t.Helper()
	select {
	case v := <-c.C:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("nothing received")
		return nil
	}
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	s := NewStreamer[int](4)
	go s.Run()
	defer s.Stop()

	a := s.NewClient(4)
	b := s.NewClient(4)
	require.NotNil(t, a)
	require.NotNil(t, b)

	v := 42
	require.True(t, s.Broadcast(&v))
	assert.Equal(t, 42, *receive(t, a))
	assert.Equal(t, 42, *receive(t, b))
}

func TestSlowClientLosesOldest(t *testing.T) {
	s := NewStreamer[int](8)
	go s.Run()
	defer s.Stop()

	slow := s.NewClient(2)
	fast := s.NewClient(8)
	values := []int{1, 2, 3, 4}
	for i := range values {
		require.True(t, s.Broadcast(&values[i]))
	}
	for _, want := range values {
		assert.Equal(t, want, *receive(t, fast))
	}
	// the streamer handles a new subscription only after the last broadcast
	require.NotNil(t, s.NewClient(1))
	assert.Equal(t, 3, *receive(t, slow))
	assert.Equal(t, 4, *receive(t, slow))
}

func TestStopClosesClients(t *testing.T) {
	s := NewStreamer[int](1)
	assert.False(t, s.Broadcast(new(int)))
	go s.Run()

	c := s.NewClient(1)
	require.NotNil(t, c)
	require.True(t, s.Stop())
	_, ok := <-c.C
	assert.False(t, ok)
	<-s.Done()

	assert.False(t, s.Stop())
	assert.Nil(t, s.NewClient(1))
	c.Close()
}

func TestClientClose(t *testing.T) {
	s := NewStreamer[int](1)
	go s.Run()
	defer s.Stop()

	c := s.NewClient(1)
	c.Close()
	_, ok := <-c.C
	assert.False(t, ok)
}

func TestStopBeforeRun(t *testing.T) {
	s := NewStreamer[int](1)
	require.True(t, s.Stop())
	<-s.Done()

	s.Run()
	assert.Nil(t, s.NewClient(1))
	assert.False(t, s.Broadcast(new(int)))
}

func TestClientsCountsSubscribers(t *testing.T) {
	s := NewStreamer[int](1)
	go s.Run()
	assert.Equal(t, 0, s.Clients())

	a := s.NewClient(1)
	b := s.NewClient(1)
	require.Eventually(t, func() bool { return s.Clients() == 2 }, 2*time.Second, time.Millisecond)
	a.Close()
	require.Eventually(t, func() bool { return s.Clients() == 1 }, 2*time.Second, time.Millisecond)

	s.Stop()
	<-s.Done()
	assert.Equal(t, 0, s.Clients())
	_, ok := <-b.C
	assert.False(t, ok)
}
