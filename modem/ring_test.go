package modem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing(t *testing.T) {
	t.Run("wraps around", func(t *testing.T) {
		r := newRing(8)
		require.Equal(t, 6, r.Write([]byte("abcdef")))

		out := make([]byte, 4)
		require.Equal(t, 4, r.Read(out))
		assert.Equal(t, "abcd", string(out))

		require.Equal(t, 5, r.Write([]byte("ghijk")))
		assert.Equal(t, 7, r.Len())

		out = make([]byte, 16)
		n := r.Read(out)
		assert.Equal(t, "efghijk", string(out[:n]))
		assert.Zero(t, r.Len())
		assert.False(t, r.TakeOverflow())
	})

	t.Run("drops newest when full", func(t *testing.T) {
		r := newRing(4)
		require.Equal(t, 4, r.Write([]byte("abcdef")))
		assert.True(t, r.TakeOverflow())
		assert.False(t, r.TakeOverflow(), "overflow flag is cleared once taken")

		out := make([]byte, 8)
		n := r.Read(out)
		assert.Equal(t, "abcd", string(out[:n]))
	})

	t.Run("reset clears content and overflow", func(t *testing.T) {
		r := newRing(2)
		r.Write([]byte("abc"))
		r.Reset()
		assert.Zero(t, r.Len())
		assert.False(t, r.TakeOverflow())
		assert.Equal(t, 2, r.Cap())
	})

	t.Run("space fires on read and reset", func(t *testing.T) {
		r := newRing(4)
		r.Write([]byte("abcd"))
		assert.Zero(t, r.Free())

		space := r.Space()
		r.Read(make([]byte, 1))
		select {
		case <-space:
		default:
			t.Fatal("read did not signal")
		}
		assert.Equal(t, 1, r.Free())

		space = r.Space()
		r.Reset()
		select {
		case <-space:
		default:
			t.Fatal("reset did not signal")
		}
		assert.Equal(t, 4, r.Free())
	})

	t.Run("changed fires on write", func(t *testing.T) {
		r := newRing(4)
		changed := r.Changed()
		select {
		case <-changed:
			t.Fatal("changed before any write")
		default:
		}
		r.Write([]byte("x"))
		select {
		case <-changed:
		default:
			t.Fatal("write did not signal")
		}
	})
}

func TestScanner(t *testing.T) {
	feed := func(max int, data string) *scanner {
		r := newRing(64)
		r.Write([]byte(data))
		s := newScanner(r, max)
		require.NoError(t, s.fill())
		return s
	}

	t.Run("lines", func(t *testing.T) {
		s := feed(32, "\r\nOK\r\npartial")
		line, ok, err := s.line()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Empty(t, line)

		line, ok, err = s.line()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "OK", string(line))

		_, ok, err = s.line()
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, scanLine, s.mode)
	})

	t.Run("line too long", func(t *testing.T) {
		s := feed(4, "abcdefgh")
		_, _, err := s.line()
		assert.ErrorIs(t, err, ErrLineTooLong)
		assert.Equal(t, 8, s.flush())
	})

	t.Run("fields only inside an opened line", func(t *testing.T) {
		s := feed(32, "1,2\r\nOK\r\n")
		view, _ := s.view()
		assert.Empty(t, view, "line mode has no field view")

		s.openField()
		view, complete := s.view()
		assert.Equal(t, "1,2", string(view))
		assert.True(t, complete)
		assert.Equal(t, scanField, s.mode)

		require.True(t, s.closeLine())
		assert.Equal(t, scanLine, s.mode)
		assert.True(t, s.hasPrefix("OK"))
	})

	t.Run("raw segment keeps terminators", func(t *testing.T) {
		s := feed(32, "a\r\nb\",x")
		s.openField()
		out := make([]byte, 8)
		assert.Zero(t, s.raw(out), "raw read needs a declared length")

		s.beginRaw(4)
		assert.Equal(t, scanRaw, s.mode)
		assert.Equal(t, 4, s.raw(out))
		assert.Equal(t, "a\r\nb", string(out[:4]))
		assert.Equal(t, scanField, s.mode, "segment end returns to fields")
		assert.True(t, s.hasPrefix(`"`))
	})

	t.Run("raw segment across fills", func(t *testing.T) {
		r := newRing(64)
		s := newScanner(r, 4)
		r.Write([]byte("abcdef,1"))
		require.NoError(t, s.fill())

		s.openField()
		s.beginRaw(6)
		out := make([]byte, 6)
		got := s.raw(out)
		assert.Equal(t, 4, got)
		assert.Equal(t, scanRaw, s.mode)
		assert.True(t, s.starved())

		require.NoError(t, s.fill())
		got += s.raw(out[got:])
		assert.Equal(t, "abcdef", string(out[:got]))
		assert.Equal(t, scanField, s.mode)

		require.True(t, s.skipTrailing(','))
		assert.True(t, s.hasPrefix("1"))
	})

	t.Run("flush returns to line mode", func(t *testing.T) {
		s := feed(32, "abc")
		s.openField()
		s.beginRaw(10)
		assert.Equal(t, 3, s.flush())
		assert.Equal(t, scanLine, s.mode)
	})

	t.Run("overflow reported by fill", func(t *testing.T) {
		r := newRing(2)
		r.Write([]byte("abc"))
		s := newScanner(r, 8)
		assert.ErrorIs(t, s.fill(), ErrOverflow)
	})
}
