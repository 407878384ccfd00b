package ltc4015

// LeadAcid exposes lead-acid–only operations (see leadacid.go).
type LeadAcid struct{ d *Device }

// Lithium exposes lithium-specific helpers, shared by Li-ion and LiFePO4 (see lithium.go).
type Lithium struct{ d *Device }

// LeadAcid returns a lead-acid view if the configured chemistry is lead-acid.
func (d *Device) LeadAcid() (LeadAcid, bool) { return LeadAcid{d: d}, d.chem == ChemLeadAcid }

// Lithium returns a lithium view if the configured chemistry is lithium.
func (d *Device) Lithium() (Lithium, bool) { return Lithium{d: d}, d.chem == ChemLithium }
