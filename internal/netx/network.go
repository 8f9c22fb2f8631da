// Package netx abstracts the byte transport under the mesh so nodes can run
// over real TCP in production and an in-process pipe network in tests.
package netx

import "io"

type Addr string

type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() Addr
}

type Network interface {
	Listen(bindAddr string) (listenAddr Addr, err error)
	Accept() (Conn, error)
	Dial(addr Addr) (Conn, error)
	Close() error
}
