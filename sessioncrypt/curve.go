// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sessioncrypt

import (
	"fmt"

	"golang.org/x/crypto/curve25519"
)

func curvePublic(priv []byte) ([]byte, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key share: %v", err)
	}
	return pub, nil
}

func curveShared(priv, peerPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %v", err)
	}
	return shared, nil
}
