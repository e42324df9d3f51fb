package connectors

import (
	"doubleu/internal/infrastructure/bankcipher"
)

// Thin bridge to the bank cipher primitives. Decryption failures are
// reported as connection errors: a payload we cannot read is a transport
// problem, not an identity problem.

func decodeConfigIV(ivHex string) ([]byte, error) {
	return bankcipher.DecodeIV(ivHex)
}

// deriveDeviceKey derives the per-request AES key the device-keyed banks
// use: PBKDF2 over the device identifier with the bank's fixed hex salt.
func deriveDeviceKey(deviceID, saltHex string) ([]byte, error) {
	key, err := bankcipher.PBKDF2Key(deviceID, saltHex)
	if err != nil {
		return nil, connError("deriving key: %v", err)
	}
	return key, nil
}

func encryptDeviceBody(body string, key, iv []byte) (string, error) {
	encrypted, err := bankcipher.EncryptCBC([]byte(body), key, iv)
	if err != nil {
		return "", connError("encrypting request: %v", err)
	}
	return encrypted, nil
}

func saltedEncrypt(value, passphrase string) (string, error) {
	return bankcipher.EncryptSalted([]byte(value), passphrase)
}

func decryptDeviceBody(body string, key, iv []byte) ([]byte, error) {
	decrypted, err := bankcipher.DecryptCBC(body, key, iv)
	if err != nil {
		return nil, connError("decrypting response: %v", err)
	}
	return decrypted, nil
}
