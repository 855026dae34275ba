package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// DiagnosticsServiceName gRPC 服務名稱
const DiagnosticsServiceName = "voxel.diagnostics.v1.Diagnostics"

const snapshotMethod = "/" + DiagnosticsServiceName + "/Snapshot"

// DiagnosticsServer 診斷服務；請求與回應都是 structpb.Struct
type DiagnosticsServer interface {
	Snapshot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterDiagnosticsServer 註冊診斷服務
func RegisterDiagnosticsServer(s grpc.ServiceRegistrar, srv DiagnosticsServer) {
	s.RegisterService(&diagnosticsServiceDesc, srv)
}

var diagnosticsServiceDesc = grpc.ServiceDesc{
	ServiceName: DiagnosticsServiceName,
	HandlerType: (*DiagnosticsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Snapshot",
			Handler:    snapshotHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "voxel/diagnostics/v1/diagnostics.proto",
}

func snapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DiagnosticsServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: snapshotMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DiagnosticsServer).Snapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// diagnostics 以引擎狀態回應 Snapshot
//
// 請求中的 "regions": true 會一併返回每個區塊的階段。
type diagnostics struct {
	src Source
}

func (d *diagnostics) Snapshot(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	out, err := toStruct(d.src.Status())
	if err != nil {
		return nil, err
	}
	if req.GetFields()["regions"].GetBoolValue() {
		regions, err := toValue(d.src.Regions())
		if err != nil {
			return nil, err
		}
		out.Fields["regions"] = regions
	}
	return out, nil
}

// FetchSnapshot 呼叫遠端的 Diagnostics/Snapshot
func FetchSnapshot(ctx context.Context, cc grpc.ClientConnInterface, withRegions bool) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]any{"regions": withRegions})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, snapshotMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// toStruct 經 JSON 轉為 structpb.Struct，沿用 json tag 作為欄位名
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return structpb.NewStruct(m)
}

func toValue(v any) (*structpb.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return structpb.NewValue(generic)
}
