// options.go
package tftp

import "strconv"

// SessionParams holds the block size and window size in effect for one
// transfer. The values are fixed once negotiation completes.
type SessionParams struct {
	BlockSize  int
	WindowSize int
}

// DefaultParams returns the parameters in effect when the server sends no
// OACK at all: the transfer degrades to classic lockstep TFTP with a window
// of 1 and whatever block size the request carried.
func DefaultParams(req RequestOptions) SessionParams {
	blockSize := req.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	return SessionParams{BlockSize: blockSize, WindowSize: 1}
}

// Negotiate resolves the session parameters from a server OACK. An option
// absent from the OACK was silently ignored by the server: windowsize falls
// back to 1, blksize to whatever the request carried.
func Negotiate(oack map[string]string, req RequestOptions) SessionParams {
	params := DefaultParams(req)
	if v, ok := oack["windowsize"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			params.WindowSize = n
		}
	}
	if v, ok := oack["blksize"]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			params.BlockSize = n
		}
	}
	return params
}
