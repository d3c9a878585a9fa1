package modbus

import (
	"fieldlog/catalog"
	"fieldlog/logging"
)

// Reader performs single-attempt register reads through a Transport.
type Reader struct {
	transport Transport
}

// NewReader returns a reader using t for every read.
func NewReader(t Transport) *Reader {
	return &Reader{transport: t}
}

// ReadOne reads def from the device and returns its first word.
// The returned error, if any, is a *TransportError.
func (r *Reader) ReadOne(def catalog.RegisterDefinition, cat *catalog.Catalog) (uint16, error) {
	address := cat.Settings().PhysicalAddress(def.Address)
	length := def.Length
	if length == 0 {
		length = 1
	}
	return r.readFirst(address, length)
}

func (r *Reader) readFirst(address, length uint16) (uint16, error) {
	words, err := r.transport.ReadHoldingRegisters(address, length)
	if err != nil {
		err = wrap(address, err)
		logging.DebugLog("modbus", "read %d[%d] failed: %v", address, length, err)
		return 0, err
	}
	if len(words) == 0 {
		return 0, &TransportError{Kind: KindBadResponseLength, Address: address}
	}
	logging.DebugLog("modbus", "read %d[%d] = %d", address, length, words[0])
	return words[0], nil
}

// BootstrapRatios reads the catalog's ratio registers, when both are
// configured, and returns a catalog carrying the device values. Any failure
// keeps the configured ratios and returns cat unchanged.
func (r *Reader) BootstrapRatios(cat *catalog.Catalog) *catalog.Catalog {
	settings := cat.Settings()
	if settings.VTRRegister == nil || settings.CTRRegister == nil {
		return cat
	}

	vtr, err := r.readFirst(settings.PhysicalAddress(*settings.VTRRegister), 1)
	if err != nil {
		logging.DebugLog("modbus", "VTR bootstrap failed, keeping %g: %v", settings.VTR, err)
		return cat
	}
	ctr, err := r.readFirst(settings.PhysicalAddress(*settings.CTRRegister), 1)
	if err != nil {
		logging.DebugLog("modbus", "CTR bootstrap failed, keeping %g: %v", settings.CTR, err)
		return cat
	}

	logging.DebugLog("modbus", "transformer ratios from device: VTR=%d CTR=%d", vtr, ctr)
	return cat.WithRatios(float32(vtr), float32(ctr))
}
