package tcp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestReadFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    []byte
		wantErr bool
		errMsg  string
	}{
		{
			name: "normal case",
			input: []byte{
				0x00, 0x00, 0x00, 0x09, // frame length
				0x17,                   // magic code
				0x05, 0x06, 0x07, 0x08, // payload data
				0x53, 0x8D, 0x4D, 0x69, // payload checksum
			},
			want: []byte{0x05, 0x06, 0x07, 0x08},
		},
		{
			name: "normal case without payload",
			input: []byte{
				0x00, 0x00, 0x00, 0x05, // frame length
				0x17,                   // magic code
				0x00, 0x00, 0x00, 0x00, // payload checksum
			},
			want: []byte{},
		},
		{
			name: "not long enough header",
			input: []byte{
				0x00, 0x00, 0x00, // frame length
			},
			wantErr: true,
			errMsg:  "read fixed header",
		},
		{
			name: "too small frame",
			input: []byte{
				0x00, 0x00, 0x00, 0x04, // frame length
				0x17, // magic code
			},
			wantErr: true,
			errMsg:  "frame too small",
		},
		{
			name: "too large frame",
			input: []byte{
				0x01, 0x00, 0x00, 0x01, // frame length
				0x17, // magic code
			},
			wantErr: true,
			errMsg:  "frame too large",
		},
		{
			name: "mismatched magic code",
			input: []byte{
				0x00, 0x00, 0x00, 0x05, // frame length
				0x00,                   // magic code
				0x00, 0x00, 0x00, 0x00, // payload checksum
			},
			wantErr: true,
			errMsg:  "magic code mismatch",
		},
		{
			name: "not long enough payload",
			input: []byte{
				0x00, 0x00, 0x00, 0x09, // frame length
				0x17,             // magic code
				0x05, 0x06, 0x07, // payload data
			},
			wantErr: true,
			errMsg:  "read payload",
		},
		{
			name: "mismatched checksum",
			input: []byte{
				0x00, 0x00, 0x00, 0x09, // frame length
				0x17,                   // magic code
				0x05, 0x06, 0x07, 0x08, // payload data
				0x53, 0x8D, 0x4D, 0x00, // payload checksum
			},
			wantErr: true,
			errMsg:  "payload checksum mismatch",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			fr := NewFramer(nil, bytes.NewReader(tt.input), 0, zap.NewNop())
			got, err := fr.ReadFrame()
			if tt.wantErr {
				re.Error(err)
				re.Contains(err.Error(), tt.errMsg)
				return
			}
			re.NoError(err)
			re.Equal(tt.want, got)
		})
	}
}

func TestWriteFrame(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	var buf bytes.Buffer
	fr := NewFramer(&buf, &buf, 0, zap.NewNop())
	re.NoError(fr.WriteFrame([]byte{0x05, 0x06, 0x07, 0x08}))
	re.Equal([]byte{
		0x00, 0x00, 0x00, 0x09,
		0x17,
		0x05, 0x06, 0x07, 0x08,
		0x53, 0x8D, 0x4D, 0x69,
	}, buf.Bytes())

	got, err := fr.ReadFrame()
	re.NoError(err)
	re.Equal([]byte{0x05, 0x06, 0x07, 0x08}, got)
}

func TestWriteFrameTooLarge(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	var buf bytes.Buffer
	fr := NewFramer(&buf, nil, 8, zap.NewNop())
	re.ErrorIs(fr.WriteFrame(make([]byte, 4)), ErrFrameTooLarge)
	re.NoError(fr.WriteFrame(make([]byte, 3)))
}
