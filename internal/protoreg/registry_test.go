package protoreg

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

func testDescriptorSet(t *testing.T) []byte {
	t.Helper()
	fds := &descriptorpb.FileDescriptorSet{
		File: []*descriptorpb.FileDescriptorProto{{
			Name:    proto.String("news.proto"),
			Package: proto.String("news"),
			Syntax:  proto.String("proto3"),
			MessageType: []*descriptorpb.DescriptorProto{
				{
					Name: proto.String("NewsId"),
					Field: []*descriptorpb.FieldDescriptorProto{{
						Name:   proto.String("id"),
						Number: proto.Int32(1),
						Type:   descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum(),
						Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
					}},
				},
				{
					Name: proto.String("News"),
					Field: []*descriptorpb.FieldDescriptorProto{
						{
							Name:   proto.String("id"),
							Number: proto.Int32(1),
							Type:   descriptorpb.FieldDescriptorProto_TYPE_INT32.Enum(),
							Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
						},
						{
							Name:   proto.String("title"),
							Number: proto.Int32(2),
							Type:   descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(),
							Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
						},
					},
				},
			},
			Service: []*descriptorpb.ServiceDescriptorProto{{
				Name: proto.String("NewsService"),
				Method: []*descriptorpb.MethodDescriptorProto{{
					Name:       proto.String("GetNews"),
					InputType:  proto.String(".news.NewsId"),
					OutputType: proto.String(".news.News"),
				}},
			}},
		}},
	}
	raw, err := proto.Marshal(fds)
	require.NoError(t, err)
	return raw
}

func TestRegistryMethodLookup(t *testing.T) {
	reg, err := NewRegistry(testDescriptorSet(t))
	require.NoError(t, err)

	md, err := reg.Method("news.NewsService.GetNews")
	require.NoError(t, err)
	require.Equal(t, "news.News", string(md.Output().FullName()))

	md, err = reg.Method("news.NewsService/GetNews")
	require.NoError(t, err)
	require.Equal(t, "news.NewsId", string(md.Input().FullName()))

	require.True(t, reg.HasMethod("news.NewsService.GetNews"))
	require.False(t, reg.HasMethod("news.NewsService.ListNews"))

	_, err = reg.Method("news.News")
	require.Error(t, err)
}

func TestRegistryDuplicateFilesAcrossSets(t *testing.T) {
	set := testDescriptorSet(t)
	reg, err := NewRegistry(set, set)
	require.NoError(t, err)
	require.Len(t, reg.Files(), 1)
}
