package registry

import "github.com/ethereum/go-ethereum/common"

type ProtocolAdded struct {
	Protocol common.Address `json:"protocol"`
	ID       uint64         `json:"id"`
}

func (ProtocolAdded) EventName() string { return "ProtocolAdded" }

type ProtocolRemoved struct {
	Protocol common.Address `json:"protocol"`
	ID       uint64         `json:"id"`
}

func (ProtocolRemoved) EventName() string { return "ProtocolRemoved" }

// AdapterAdded carries the protocol id that registered the adapter; 0 means
// the owner did.
type AdapterAdded struct {
	Adapter    common.Address `json:"adapter"`
	ProtocolID uint64         `json:"protocolId"`
	Underlying common.Address `json:"underlying"`
	Receipt    common.Address `json:"receipt"`
}

func (AdapterAdded) EventName() string { return "AdapterAdded" }

type AdapterRemoved struct {
	Adapter    common.Address `json:"adapter"`
	ProtocolID uint64         `json:"protocolId"`
	Underlying common.Address `json:"underlying"`
	Receipt    common.Address `json:"receipt"`
}

func (AdapterRemoved) EventName() string { return "AdapterRemoved" }

type SupportAdded struct {
	Asset common.Address `json:"asset"`
}

func (SupportAdded) EventName() string { return "SupportAdded" }

type SupportRemoved struct {
	Asset common.Address `json:"asset"`
}

func (SupportRemoved) EventName() string { return "SupportRemoved" }

type VaultAdded struct {
	Vault common.Address `json:"vault"`
}

func (VaultAdded) EventName() string { return "VaultAdded" }

type VaultRemoved struct {
	Vault common.Address `json:"vault"`
}

func (VaultRemoved) EventName() string { return "VaultRemoved" }
