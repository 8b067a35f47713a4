package e2ee

import "errors"

// errors.go provides all custom error types for the e2ee package
//
// error type checking:
//   an error can be checked if it is any of these using errors.Is(err, ErrType)

// used for key setup
var (
	ErrEmptySecret = errors.New("e2ee secret must not be empty")
)

// used for decryption
var (
	ErrInvalidEncoding = errors.New("ciphertext is not valid base64")
	ErrShortCiphertext = errors.New("ciphertext shorter than nonce and tag")
	ErrDecrypt         = errors.New("ciphertext could not be authenticated")
)
