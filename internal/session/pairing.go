// ABOUTME: Pairing code rendering into a scannable in-memory artifact
// ABOUTME: Codes are single-use and must never touch durable storage

package session

import (
	"encoding/base64"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// renderPairingArtifact turns a raw pairing code into a data URL holding
// a scannable QR image. The artifact lives only in the manager's memory
// until the handshake completes or the connection drops.
func renderPairingArtifact(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("encoding pairing code: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
