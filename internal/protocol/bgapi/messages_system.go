package bgapi

// SystemResetCommand 复位控制器，无响应，随后上报 SystemBootEvent
type SystemResetCommand struct {
	BootInDFU uint8
}

type SystemHelloCommand struct{}

type SystemHelloResponse struct{}

type SystemAddressGetCommand struct{}

type SystemAddressGetResponse struct {
	Address BDAddr
}

type SystemGetConnectionsCommand struct{}

type SystemGetConnectionsResponse struct {
	MaxConnections uint8
}

type SystemGetInfoCommand struct{}

type SystemGetInfoResponse struct {
	Major           uint16
	Minor           uint16
	Patch           uint16
	Build           uint16
	LLVersion       uint16
	ProtocolVersion uint8
	HW              uint8
}

// SystemBootEvent 控制器启动
type SystemBootEvent struct {
	Major           uint16
	Minor           uint16
	Patch           uint16
	Build           uint16
	LLVersion       uint16
	ProtocolVersion uint8
	HW              uint8
}

func (SystemResetCommand) ID() ID           { return ID{ClassSystem, 0, KindCommand} }
func (SystemHelloCommand) ID() ID           { return ID{ClassSystem, 1, KindCommand} }
func (SystemHelloResponse) ID() ID          { return ID{ClassSystem, 1, KindResponse} }
func (SystemAddressGetCommand) ID() ID      { return ID{ClassSystem, 2, KindCommand} }
func (SystemAddressGetResponse) ID() ID     { return ID{ClassSystem, 2, KindResponse} }
func (SystemGetConnectionsCommand) ID() ID  { return ID{ClassSystem, 6, KindCommand} }
func (SystemGetConnectionsResponse) ID() ID { return ID{ClassSystem, 6, KindResponse} }
func (SystemGetInfoCommand) ID() ID         { return ID{ClassSystem, 8, KindCommand} }
func (SystemGetInfoResponse) ID() ID        { return ID{ClassSystem, 8, KindResponse} }
func (SystemBootEvent) ID() ID              { return ID{ClassSystem, 0, KindEvent} }
