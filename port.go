// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpsock

import "code.hybscloud.com/atomix"

// EphemeralPortBase is the first local port handed to active opens.
const EphemeralPortBase = 49152

// ephemeral counts active opens process-wide.
var ephemeral atomix.Uint32

// nextEphemeralPort returns the next local port for an active open.
// The sequence starts at EphemeralPortBase and wraps back to it after
// 65535. Collisions are left to the engine.
func nextEphemeralPort() uint16 {
	return ephemeralPort(ephemeral.Add(1) - 1)
}

func ephemeralPort(n uint32) uint16 {
	return uint16(EphemeralPortBase + n%(1<<16-EphemeralPortBase))
}
