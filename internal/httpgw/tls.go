package httpgw

import (
	"errors"
	"fmt"

	"baotun/internal/gateway"
	"baotun/internal/mitm"

	"go.uber.org/zap"
)

// tlsStage decrypts HTTPS connections. Plaintext continues down the chain;
// handshake traffic is written by the codec straight to the sockets.
type tlsStage struct {
	g          *Gateway
	reqPending gateway.Pending
	resPending gateway.Pending
}

func (t *tlsStage) InterceptRequest(chain *RequestChain, buf []byte) error {
	if !t.g.https {
		return chain.Process(buf)
	}
	codec := t.g.ensureCodec()
	err := codec.DecodeRequest(t.reqPending.Merge(buf), mitm.Callback{
		Pending: t.reqPending.Pend,
		Process: chain.ProcessFinal,
		Decrypt: chain.Process,
	})
	return t.check(err)
}

func (t *tlsStage) InterceptResponse(chain *ResponseChain, buf []byte) error {
	if !t.g.https || t.g.codec == nil {
		return chain.Process(buf)
	}
	err := t.g.codec.DecodeResponse(t.resPending.Merge(buf), mitm.Callback{
		Pending: t.resPending.Pend,
		Process: chain.ProcessFinal,
		Decrypt: chain.Process,
	})
	return t.check(err)
}

// check reports a handshake the app refused. The usual cause is an app that
// pins certificates or does not trust the CA, so its host stops being
// decrypted.
func (t *tlsStage) check(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mitm.ErrClientRejected) {
		zap.S().Warnf("[%v] %s rejected our certificate, bypass from now on", t.g.flow, t.g.codec.Host())
		if t.g.cfg.Bypass != nil {
			t.g.cfg.Bypass.Reject(t.g.flow.RemoteIP)
		}
	}
	return fmt.Errorf("tls %s: %w", t.g.host, err)
}

func (t *tlsStage) OnRequestFinished(*Request)   {}
func (t *tlsStage) OnResponseFinished(*Response) {}
