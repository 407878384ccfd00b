package ltc4015

// Windows holds last-configured alert windows. Zero values mean “unspecified”.
type Windows struct {
	VinLo_mV, VinHi_mV           int32
	VsysLo_mV, VsysHi_mV         int32
	VbatLoCell_mV, VbatHiCell_mV int32
	NTCHi, NTCLo                 uint16
}

// DesiredMasks are the intended alert enables.
type DesiredMasks struct {
	Limit     LimitEnable
	ChgState  ChargerStateEnable
	ChgStatus ChargeStatusEnable
}

// ----- Limit/window setters -----

func (d *Device) SetVBATWindow_mVPerCell(lo_mV, hi_mV int32) error {
	if err := d.writeWord(regVBATLoAlertLimit, d.toVBATCode(lo_mV)); err != nil {
		return err
	}
	return d.writeWord(regVBATHiAlertLimit, d.toVBATCode(hi_mV))
}

func (d *Device) SetVINWindow_mV(lo_mV, hi_mV int32) error {
	if err := d.writeWord(regVINLoAlertLimit, d.toCode_1p648mV_LSB(lo_mV)); err != nil {
		return err
	}
	return d.writeWord(regVINHiAlertLimit, d.toCode_1p648mV_LSB(hi_mV))
}

func (d *Device) SetVSYSWindow_mV(lo_mV, hi_mV int32) error {
	if err := d.writeWord(regVSYSLoAlertLimit, d.toCode_1p648mV_LSB(lo_mV)); err != nil {
		return err
	}
	return d.writeWord(regVSYSHiAlertLimit, d.toCode_1p648mV_LSB(hi_mV))
}

func (d *Device) SetIINHigh_mA(mA int32) error {
	if d.rsnsI_uOhm == 0 {
		return ErrRSNSIUnset
	}
	return d.writeWord(regIINHiAlertLimit, currCodeUnsigned_mA(mA, d.rsnsI_uOhm))
}

func (d *Device) SetIBATLow_mA(mA int32) error {
	if d.rsnsB_uOhm == 0 {
		return ErrRSNSBUnset
	}
	return d.writeWord(regIBATLoAlertLimit, currCodeSigned_mA(mA, d.rsnsB_uOhm))
}

func (d *Device) SetDieTempHigh_mC(mC int32) error {
	raw := int64(12010) + (int64(456)*int64(mC))/10000
	return d.writeWord(regDieTempHiAlertLimit, clamp16(raw))
}

func (d *Device) SetBSRHigh_uOhmPerCell(uOhm uint32) error {
	if d.rsnsB_uOhm == 0 {
		return ErrRSNSBUnset
	}
	div := int64(500)
	if d.chem == ChemLeadAcid {
		div = 750
	}
	raw := (int64(uOhm) * div) / int64(d.rsnsB_uOhm)
	return d.writeWord(regBSRHiAlertLimit, clamp16(raw))
}

func (d *Device) SetNTCRatioWindowRaw(hi, lo uint16) error {
	if err := d.writeWord(regNTCRatioHiAlertLimit, hi); err != nil {
		return err
	}
	return d.writeWord(regNTCRatioLoAlertLimit, lo)
}

// ----- Convenience: *AndClear helpers (retained) -----

func (d *Device) SetVINWindowAndClear(lo_mV, hi_mV int32) error {
	if err := d.SetVINWindow_mV(lo_mV, hi_mV); err != nil {
		return err
	}
	return d.ClearLimitAlerts()
}

func (d *Device) SetVSYSWindowAndClear(lo_mV, hi_mV int32) error {
	if err := d.SetVSYSWindow_mV(lo_mV, hi_mV); err != nil {
		return err
	}
	return d.ClearLimitAlerts()
}

func (d *Device) SetVBATWindowPerCellAndClear(lo_mV, hi_mV int32) error {
	if err := d.SetVBATWindow_mVPerCell(lo_mV, hi_mV); err != nil {
		return err
	}
	return d.ClearLimitAlerts()
}

func (d *Device) SetNTCRatioWindowAndClear(hi, lo uint16) error {
	if err := d.SetNTCRatioWindowRaw(hi, lo); err != nil {
		return err
	}
	return d.ClearLimitAlerts()
}

// ----- Enables / Reads / Clears -----

func (d *Device) EnableLimitAlertsMask(mask LimitEnable) error {
	return d.writeWord(regEnLimitAlerts, uint16(mask))
}
func (d *Device) EnableChargerStateAlertsMask(mask ChargerStateEnable) error {
	return d.writeWord(regEnChargerStAlerts, uint16(mask))
}
func (d *Device) EnableChargeStatusAlertsMask(mask ChargeStatusEnable) error {
	return d.writeWord(regEnChargeStAlerts, uint16(mask))
}

func (d *Device) ReadLimitAlerts() (LimitAlerts, error) {
	v, err := d.readWord(regLimitAlerts)
	return LimitAlerts(v), err
}
func (d *Device) ReadChargerStateAlerts() (ChargerStateAlerts, error) {
	v, err := d.readWord(regChargerStateAlert)
	return ChargerStateAlerts(v), err
}
func (d *Device) ReadChargeStatusAlerts() (ChargeStatusAlerts, error) {
	v, err := d.readWord(regChargeStatAlerts)
	return ChargeStatusAlerts(v), err
}

func (d *Device) ClearLimitAlerts() error        { return d.writeWord(regLimitAlerts, 0x0000) }
func (d *Device) ClearChargerStateAlerts() error { return d.writeWord(regChargerStateAlert, 0x0000) }
func (d *Device) ClearChargeStatusAlerts() error { return d.writeWord(regChargeStatAlerts, 0x0000) }

// ----- Rearm strategy -----

// RearmOppositeEdges refines windowed limit masks to arm the opposite edge,
// prunes already-asserted bits, writes enable masks and clears latches.
// Best-effort: read errors do not abort other groups; returns first write error.
func (d *Device) RearmOppositeEdges(desired DesiredMasks, last Windows) error {
	var firstWriteErr error
	setWriteErr := func(err error) {
		if err != nil && firstWriteErr == nil {
			firstWriteErr = err
		}
	}

	// Charge Status
	if cur, err := d.ChargeStatus(); err == nil {
		setWriteErr(d.EnableChargeStatusAlertsMask(desired.ChgStatus &^ cur))
		setWriteErr(d.ClearChargeStatusAlerts())
	}

	// Charger State
	if cur, err := d.ChargerState(); err == nil {
		setWriteErr(d.EnableChargerStateAlertsMask(desired.ChgState &^ cur))
		setWriteErr(d.ClearChargerStateAlerts())
	}

	// Limits
	en := desired.Limit

	// VIN refine
	if last.VinLo_mV != 0 || last.VinHi_mV != 0 {
		if mv, err := d.Vin_mV(); err == nil {
			switch {
			case mv >= last.VinHi_mV:
				en &^= LaVINHi
				en |= LaVINLo
			case mv <= last.VinLo_mV:
				en &^= LaVINLo
				en |= LaVINHi
			default:
				en |= LaVINLo | LaVINHi
			}
		} else {
			en |= LaVINLo | LaVINHi
		}
	}

	// VSYS refine
	if last.VsysLo_mV != 0 || last.VsysHi_mV != 0 {
		if mv, err := d.Vsys_mV(); err == nil {
			switch {
			case mv >= last.VsysHi_mV:
				en &^= LaVSYSHi
				en |= LaVSYSLo
			case mv <= last.VsysLo_mV:
				en &^= LaVSYSLo
				en |= LaVSYSHi
			default:
				en |= LaVSYSLo | LaVSYSHi
			}
		} else {
			en |= LaVSYSLo | LaVSYSHi
		}
	}

	// VBAT (per-cell) refine
	if last.VbatLoCell_mV != 0 || last.VbatHiCell_mV != 0 {
		if per, err := d.Battery_mVPerCell(); err == nil {
			switch {
			case per >= last.VbatHiCell_mV:
				en &^= LaVBATHi
				en |= LaVBATLo
			case per <= last.VbatLoCell_mV:
				en &^= LaVBATLo
				en |= LaVBATHi
			default:
				en |= LaVBATLo | LaVBATHi
			}
		} else {
			en |= LaVBATLo | LaVBATHi
		}
	}

	// NTC: enable both if window configured
	if last.NTCHi != 0 || last.NTCLo != 0 {
		en |= LaNTCRatioLo | LaNTCRatioHi
	}

	// Prune asserted
	if asserted, err := d.ReadLimitAlerts(); err == nil {
		en &^= asserted
	}

	// Apply enables and clear latches
	setWriteErr(d.EnableLimitAlertsMask(en))
	setWriteErr(d.ClearLimitAlerts())

	return firstWriteErr
}

// ----- Coulomb counter (minimal) -----

func (d *Device) SetQCount(v uint16) error { return d.writeWord(regQCount, v) }
func (d *Device) QCount() (uint16, error)  { return d.readWord(regQCount) }
func (d *Device) SetQCountLimits(lo, hi uint16) error {
	if err := d.writeWord(regQCountLoLimit, lo); err != nil {
		return err
	}
	return d.writeWord(regQCountHiLimit, hi)
}
func (d *Device) SetQCountPrescale(p uint16) error { return d.writeWord(regQCountPrescale, p) }

// ----- Input parameter setting -----

// Input current limit: (code+1)*500 µV across RSNSI, 0..63.
func (d *Device) SetIinLimit_mA(mA int32) error {
	if d.rsnsI_uOhm == 0 {
		return ErrRSNSIUnset
	}
	v_uV := (int64(mA) * int64(d.rsnsI_uOhm)) / 1000 // µV across RSNSI
	code := qLinear(v_uV, 500 /*µV*/, 0, true, 0, 63)
	return d.writeWord(regIinLimitSetting, code)
}

// VIN_UVCL: (code+1)*4.6875 mV, 0..255 (nanovolts avoid fractional LSB).
func (d *Device) SetVinUvcl_mV(mV int32) error {
	v_nV := int64(mV) * 1_000_000
	step_nV := int64(4_687_500)
	code := qLinear(v_nV, step_nV, 0, true, 0, 255)
	return d.writeWord(regVinUvclSetting, code)
}

// Charge parameter setting (programmable variants only).

// ICHARGE_TARGET: (code+1)*1 mV across RSNSB, 0..31.
func (d *Device) SetIChargeTarget_mA(mA int32) error {
	if err := d.ensureTargetsWritable(); err != nil {
		return err
	}
	if d.rsnsB_uOhm == 0 {
		return ErrRSNSBUnset
	}
	v_uV := (int64(mA) * int64(d.rsnsB_uOhm)) / 1000 // µV across RSNSB
	code := qLinear(v_uV, 1000 /*µV*/, 0, true, 0, 31)
	return d.writeWord(regIChargeTarget, code)
}
