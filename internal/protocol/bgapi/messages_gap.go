package bgapi

// sm 类

type SMEncryptStartCommand struct {
	Handle  uint8
	Bonding uint8
}

type SMEncryptStartResponse struct {
	Handle uint8
	Result Result
}

type SMSetBondableModeCommand struct {
	Bondable uint8
}

type SMSetBondableModeResponse struct{}

type SMDeleteBondingCommand struct {
	Handle uint8
}

type SMDeleteBondingResponse struct {
	Result Result
}

type SMSetParametersCommand struct {
	MITM           uint8
	MinKeySize     uint8
	IOCapabilities uint8
}

type SMSetParametersResponse struct{}

// SMPasskeyEntryCommand 透传口令，取值范围由调用方保证
type SMPasskeyEntryCommand struct {
	Handle  uint8
	Passkey uint32
}

type SMPasskeyEntryResponse struct {
	Result Result
}

type SMSmpDataEvent struct {
	Handle uint8
	Packet uint8
	Data   []byte
}

type SMBondingFailEvent struct {
	Handle uint8
	Result Result
}

type SMPasskeyDisplayEvent struct {
	Handle  uint8
	Passkey uint32
}

type SMPasskeyRequestEvent struct {
	Handle uint8
}

type SMBondStatusEvent struct {
	Bond    uint8
	KeySize uint8
	MITM    uint8
	Keys    uint8
}

// gap 类

type GAPSetModeCommand struct {
	Discover DiscoverableMode
	Connect  ConnectableMode
}

type GAPSetModeResponse struct {
	Result Result
}

type GAPDiscoverCommand struct {
	Mode DiscoverMode
}

type GAPDiscoverResponse struct {
	Result Result
}

// GAPConnectDirectCommand 直连；间隔单位 1.25ms，超时单位 10ms
type GAPConnectDirectCommand struct {
	Address         BDAddr
	AddressType     AddressType
	ConnIntervalMin uint16
	ConnIntervalMax uint16
	Timeout         uint16
	Latency         uint16
}

type GAPConnectDirectResponse struct {
	Result           Result
	ConnectionHandle uint8
}

type GAPEndProcedureCommand struct{}

type GAPEndProcedureResponse struct {
	Result Result
}

type GAPSetScanParametersCommand struct {
	ScanInterval uint16
	ScanWindow   uint16
	Active       uint8
}

type GAPSetScanParametersResponse struct {
	Result Result
}

// GAPScanResponseEvent 广播或扫描响应
type GAPScanResponseEvent struct {
	RSSI        int8
	PacketType  uint8
	Sender      BDAddr
	AddressType AddressType
	Bond        uint8
	Data        []byte
}

func (SMEncryptStartCommand) ID() ID        { return ID{ClassSM, 0, KindCommand} }
func (SMEncryptStartResponse) ID() ID       { return ID{ClassSM, 0, KindResponse} }
func (SMSetBondableModeCommand) ID() ID     { return ID{ClassSM, 1, KindCommand} }
func (SMSetBondableModeResponse) ID() ID    { return ID{ClassSM, 1, KindResponse} }
func (SMDeleteBondingCommand) ID() ID       { return ID{ClassSM, 2, KindCommand} }
func (SMDeleteBondingResponse) ID() ID      { return ID{ClassSM, 2, KindResponse} }
func (SMSetParametersCommand) ID() ID       { return ID{ClassSM, 3, KindCommand} }
func (SMSetParametersResponse) ID() ID      { return ID{ClassSM, 3, KindResponse} }
func (SMPasskeyEntryCommand) ID() ID        { return ID{ClassSM, 4, KindCommand} }
func (SMPasskeyEntryResponse) ID() ID       { return ID{ClassSM, 4, KindResponse} }
func (SMSmpDataEvent) ID() ID               { return ID{ClassSM, 0, KindEvent} }
func (SMBondingFailEvent) ID() ID           { return ID{ClassSM, 1, KindEvent} }
func (SMPasskeyDisplayEvent) ID() ID        { return ID{ClassSM, 2, KindEvent} }
func (SMPasskeyRequestEvent) ID() ID        { return ID{ClassSM, 3, KindEvent} }
func (SMBondStatusEvent) ID() ID            { return ID{ClassSM, 4, KindEvent} }
func (GAPSetModeCommand) ID() ID            { return ID{ClassGAP, 1, KindCommand} }
func (GAPSetModeResponse) ID() ID           { return ID{ClassGAP, 1, KindResponse} }
func (GAPDiscoverCommand) ID() ID           { return ID{ClassGAP, 2, KindCommand} }
func (GAPDiscoverResponse) ID() ID          { return ID{ClassGAP, 2, KindResponse} }
func (GAPConnectDirectCommand) ID() ID      { return ID{ClassGAP, 3, KindCommand} }
func (GAPConnectDirectResponse) ID() ID     { return ID{ClassGAP, 3, KindResponse} }
func (GAPEndProcedureCommand) ID() ID       { return ID{ClassGAP, 4, KindCommand} }
func (GAPEndProcedureResponse) ID() ID      { return ID{ClassGAP, 4, KindResponse} }
func (GAPSetScanParametersCommand) ID() ID  { return ID{ClassGAP, 7, KindCommand} }
func (GAPSetScanParametersResponse) ID() ID { return ID{ClassGAP, 7, KindResponse} }
func (GAPScanResponseEvent) ID() ID         { return ID{ClassGAP, 0, KindEvent} }
