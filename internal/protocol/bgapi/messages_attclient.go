package bgapi

type AttClientFindByTypeValueCommand struct {
	Connection uint8
	Start      uint16
	End        uint16
	UUID       uint16
	Value      []byte
}

type AttClientFindByTypeValueResponse struct {
	Connection uint8
	Result     Result
}

// AttClientReadByGroupTypeCommand 主服务发现（UUID 0x2800）
type AttClientReadByGroupTypeCommand struct {
	Connection uint8
	Start      uint16
	End        uint16
	UUID       []byte
}

type AttClientReadByGroupTypeResponse struct {
	Connection uint8
	Result     Result
}

// AttClientReadByTypeCommand 特征声明发现（UUID 0x2803）
type AttClientReadByTypeCommand struct {
	Connection uint8
	Start      uint16
	End        uint16
	UUID       []byte
}

type AttClientReadByTypeResponse struct {
	Connection uint8
	Result     Result
}

// AttClientFindInformationCommand 枚举句柄区间内所有属性（特征值与描述符）
type AttClientFindInformationCommand struct {
	Connection uint8
	Start      uint16
	End        uint16
}

type AttClientFindInformationResponse struct {
	Connection uint8
	Result     Result
}

type AttClientReadByHandleCommand struct {
	Connection uint8
	Handle     uint16
}

type AttClientReadByHandleResponse struct {
	Connection uint8
	Result     Result
}

type AttClientAttributeWriteCommand struct {
	Connection uint8
	Handle     uint16
	Data       []byte
}

type AttClientAttributeWriteResponse struct {
	Connection uint8
	Result     Result
}

// AttClientWriteCommandCommand 无应答写
type AttClientWriteCommandCommand struct {
	Connection uint8
	Handle     uint16
	Data       []byte
}

type AttClientWriteCommandResponse struct {
	Connection uint8
	Result     Result
}

type AttClientIndicateConfirmCommand struct {
	Connection uint8
}

type AttClientIndicateConfirmResponse struct {
	Result Result
}

type AttClientIndicatedEvent struct {
	Connection uint8
	AttrHandle uint16
}

// AttClientProcedureCompletedEvent GATT 过程结束（发现、写入等）
type AttClientProcedureCompletedEvent struct {
	Connection uint8
	Result     Result
	ChrHandle  uint16
}

type AttClientGroupFoundEvent struct {
	Connection uint8
	Start      uint16
	End        uint16
	UUID       []byte
}

type AttClientAttributeFoundEvent struct {
	Connection uint8
	ChrDecl    uint16
	Value      uint16
	Properties uint8
	UUID       []byte
}

type AttClientFindInformationFoundEvent struct {
	Connection uint8
	ChrHandle  uint16
	UUID       []byte
}

// AttClientAttributeValueEvent 读取结果或通知/指示
type AttClientAttributeValueEvent struct {
	Connection uint8
	AttHandle  uint16
	Type       AttributeValueType
	Value      []byte
}

func (AttClientFindByTypeValueCommand) ID() ID    { return ID{ClassAttClient, 0, KindCommand} }
func (AttClientFindByTypeValueResponse) ID() ID   { return ID{ClassAttClient, 0, KindResponse} }
func (AttClientReadByGroupTypeCommand) ID() ID    { return ID{ClassAttClient, 1, KindCommand} }
func (AttClientReadByGroupTypeResponse) ID() ID   { return ID{ClassAttClient, 1, KindResponse} }
func (AttClientReadByTypeCommand) ID() ID         { return ID{ClassAttClient, 2, KindCommand} }
func (AttClientReadByTypeResponse) ID() ID        { return ID{ClassAttClient, 2, KindResponse} }
func (AttClientFindInformationCommand) ID() ID    { return ID{ClassAttClient, 3, KindCommand} }
func (AttClientFindInformationResponse) ID() ID   { return ID{ClassAttClient, 3, KindResponse} }
func (AttClientReadByHandleCommand) ID() ID       { return ID{ClassAttClient, 4, KindCommand} }
func (AttClientReadByHandleResponse) ID() ID      { return ID{ClassAttClient, 4, KindResponse} }
func (AttClientAttributeWriteCommand) ID() ID     { return ID{ClassAttClient, 5, KindCommand} }
func (AttClientAttributeWriteResponse) ID() ID    { return ID{ClassAttClient, 5, KindResponse} }
func (AttClientWriteCommandCommand) ID() ID       { return ID{ClassAttClient, 6, KindCommand} }
func (AttClientWriteCommandResponse) ID() ID      { return ID{ClassAttClient, 6, KindResponse} }
func (AttClientIndicateConfirmCommand) ID() ID    { return ID{ClassAttClient, 7, KindCommand} }
func (AttClientIndicateConfirmResponse) ID() ID   { return ID{ClassAttClient, 7, KindResponse} }
func (AttClientIndicatedEvent) ID() ID            { return ID{ClassAttClient, 0, KindEvent} }
func (AttClientProcedureCompletedEvent) ID() ID   { return ID{ClassAttClient, 1, KindEvent} }
func (AttClientGroupFoundEvent) ID() ID           { return ID{ClassAttClient, 2, KindEvent} }
func (AttClientAttributeFoundEvent) ID() ID       { return ID{ClassAttClient, 3, KindEvent} }
func (AttClientFindInformationFoundEvent) ID() ID { return ID{ClassAttClient, 4, KindEvent} }
func (AttClientAttributeValueEvent) ID() ID       { return ID{ClassAttClient, 5, KindEvent} }
