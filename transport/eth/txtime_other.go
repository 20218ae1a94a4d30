//go:build !linux

package eth

import (
	"errors"

	"github.com/google/gopacket/afpacket"
)

type txtimeSocket interface {
	sendAt(frame []byte, txInstantNanos int64) error
	close()
}

func enableTxTime(*afpacket.TPacketHandle, string) (txtimeSocket, error) {
	return nil, errors.New("eth: SO_TXTIME is only supported on linux")
}
