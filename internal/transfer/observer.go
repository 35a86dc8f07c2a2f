package transfer

import (
	"bluetooth-obex/internal/logging"
	"bluetooth-obex/internal/metrics"
	"bluetooth-obex/internal/obex"
)

// packetTrace logs every packet at trace level and feeds the collector.
type packetTrace struct {
	metrics *metrics.TransferCollector
}

func packetObserver(m *metrics.TransferCollector) obex.Observer {
	return packetTrace{metrics: m}
}

func (p packetTrace) ObservePacket(dir obex.Direction, code byte, size int) {
	if p.metrics != nil {
		p.metrics.ObservePacket(dir, code, size)
	}
	if !logging.Enabled(logging.LevelTrace) {
		return
	}
	logging.Trace("packet", logging.Fields{
		logging.FieldDirection: dir.String(),
		logging.FieldOpcode:    codeName(code),
		logging.FieldSize:      size,
	})
}

// codeName reads a packet's first byte as an opcode when it is one, otherwise
// as a response code. The two sets are disjoint.
func codeName(code byte) string {
	switch obex.Opcode(code) {
	case obex.OpPut, obex.OpGet, obex.OpConnect, obex.OpPutFinal, obex.OpAbort:
		return obex.Opcode(code).String()
	}
	return obex.ResponseCode(code).String()
}
