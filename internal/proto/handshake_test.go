package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckHello(t *testing.T) {
	tests := map[string]struct {
		hello   *Hello
		secret  string
		wantErr bool
	}{
		"nil frame": {
			hello:   nil,
			wantErr: true,
		},
		"version mismatch": {
			hello:   &Hello{Version: ProtocolVersion + 1},
			wantErr: true,
		},
		"no secret required": {
			hello: &Hello{Version: ProtocolVersion},
		},
		"secret matches": {
			hello:  &Hello{Version: ProtocolVersion, Secret: "swordfish"},
			secret: "swordfish",
		},
		"secret mismatch": {
			hello:   &Hello{Version: ProtocolVersion, Secret: "wrong"},
			secret:  "swordfish",
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := CheckHello(tc.hello, tc.secret)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
