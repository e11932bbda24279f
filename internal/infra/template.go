package infra

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/clowdr-app/clowdr-sub007/internal/models"
)

// Attachment suffixes appended to the stack name. Schedule classification
// relies on them to recognise which input an action switches to.
const (
	SuffixRTMPA   = "-rtmpA"
	SuffixRTMPB   = "-rtmpB"
	SuffixMP4     = "-mp4"
	SuffixLooping = "-looping"
)

// Output keys published by every synthesized stack.
const (
	OutputChannelID                = "MediaLiveChannelId"
	OutputRTMPAInputID             = "RtmpAInputId"
	OutputRTMPAInputURI            = "RtmpAInputUri"
	OutputRTMPBInputID             = "RtmpBInputId"
	OutputRTMPBInputURI            = "RtmpBInputUri"
	OutputMP4InputID               = "Mp4InputId"
	OutputLoopingInputID           = "LoopingInputId"
	OutputRTMPAAttachmentName      = "RtmpAInputAttachmentName"
	OutputRTMPBAttachmentName      = "RtmpBInputAttachmentName"
	OutputMP4AttachmentName        = "Mp4InputAttachmentName"
	OutputLoopingAttachmentName    = "LoopingInputAttachmentName"
	OutputPackagingChannelID       = "MediaPackageChannelId"
	OutputEndpointURI              = "EndpointUri"
	OutputCloudFrontDistributionID = "CloudFrontDistributionId"
	OutputCloudFrontDomain         = "CloudFrontDomain"
)

var requiredOutputs = []string{
	OutputChannelID,
	OutputRTMPAInputID,
	OutputRTMPBInputID,
	OutputMP4InputID,
	OutputLoopingInputID,
	OutputRTMPAAttachmentName,
	OutputRTMPBAttachmentName,
	OutputMP4AttachmentName,
	OutputLoopingAttachmentName,
}

func ref(name string) yaml.MapSlice {
	return yaml.MapSlice{{Key: "Ref", Value: name}}
}

func getAtt(resource, attribute string) yaml.MapSlice {
	return yaml.MapSlice{{Key: "Fn::GetAtt", Value: []string{resource, attribute}}}
}

func output(value interface{}) yaml.MapSlice {
	return yaml.MapSlice{{Key: "Value", Value: value}}
}

func resource(kind string, properties yaml.MapSlice) yaml.MapSlice {
	return yaml.MapSlice{{Key: "Type", Value: kind}, {Key: "Properties", Value: properties}}
}

// Synthesize renders the stack template for one room's pipeline.
func Synthesize(spec StackSpec) ([]byte, error) {
	name := strings.TrimSpace(spec.StackName)
	if name == "" {
		return nil, errors.New("stack name is required")
	}
	if strings.TrimSpace(spec.RoomID) == "" {
		return nil, errors.New("room id is required")
	}

	tags := yaml.MapSlice{
		{Key: "roomId", Value: spec.RoomID},
		{Key: "conferenceId", Value: spec.ConferenceID},
	}
	extra := make([]string, 0, len(spec.Tags))
	for key := range spec.Tags {
		extra = append(extra, key)
	}
	sort.Strings(extra)
	for _, key := range extra {
		tags = append(tags, yaml.MapItem{Key: key, Value: spec.Tags[key]})
	}

	rtmpInput := func(suffix, stream string) yaml.MapSlice {
		return resource("AWS::MediaLive::Input", yaml.MapSlice{
			{Key: "Name", Value: name + suffix},
			{Key: "Type", Value: "RTMP_PUSH"},
			{Key: "InputSecurityGroups", Value: []interface{}{ref("InputSecurityGroup")}},
			{Key: "Destinations", Value: []interface{}{yaml.MapSlice{{Key: "StreamName", Value: name + "/" + stream}}}},
			{Key: "Tags", Value: tags},
		})
	}
	fileInput := func(suffix string) yaml.MapSlice {
		return resource("AWS::MediaLive::Input", yaml.MapSlice{
			{Key: "Name", Value: name + suffix},
			{Key: "Type", Value: "MP4_FILE"},
			{Key: "Sources", Value: []interface{}{yaml.MapSlice{{Key: "Url", Value: "s3ssl://$urlPath$"}}}},
			{Key: "Tags", Value: tags},
		})
	}
	attachment := func(suffix, input string) yaml.MapSlice {
		return yaml.MapSlice{
			{Key: "InputAttachmentName", Value: name + suffix},
			{Key: "InputId", Value: ref(input)},
		}
	}

	template := yaml.MapSlice{
		{Key: "AWSTemplateFormatVersion", Value: "2010-09-09"},
		{Key: "Description", Value: fmt.Sprintf("Channel stack %s for room %s", name, spec.RoomID)},
		{Key: "Resources", Value: yaml.MapSlice{
			{Key: "InputSecurityGroup", Value: resource("AWS::MediaLive::InputSecurityGroup", yaml.MapSlice{
				{Key: "WhitelistRules", Value: []interface{}{yaml.MapSlice{{Key: "Cidr", Value: "0.0.0.0/0"}}}},
			})},
			{Key: "RtmpAInput", Value: rtmpInput(SuffixRTMPA, "a")},
			{Key: "RtmpBInput", Value: rtmpInput(SuffixRTMPB, "b")},
			{Key: "Mp4Input", Value: fileInput(SuffixMP4)},
			{Key: "LoopingInput", Value: fileInput(SuffixLooping)},
			{Key: "PackagingChannel", Value: resource("AWS::MediaPackage::Channel", yaml.MapSlice{
				{Key: "Id", Value: name},
			})},
			{Key: "PackagingEndpoint", Value: resource("AWS::MediaPackage::OriginEndpoint", yaml.MapSlice{
				{Key: "Id", Value: name + "-hls"},
				{Key: "ChannelId", Value: ref("PackagingChannel")},
				{Key: "HlsPackage", Value: yaml.MapSlice{{Key: "SegmentDurationSeconds", Value: 2}}},
			})},
			{Key: "Channel", Value: resource("AWS::MediaLive::Channel", yaml.MapSlice{
				{Key: "Name", Value: name},
				{Key: "ChannelClass", Value: "SINGLE_PIPELINE"},
				{Key: "InputAttachments", Value: []interface{}{
					attachment(SuffixRTMPA, "RtmpAInput"),
					attachment(SuffixRTMPB, "RtmpBInput"),
					attachment(SuffixMP4, "Mp4Input"),
					attachment(SuffixLooping, "LoopingInput"),
				}},
				{Key: "Destinations", Value: []interface{}{yaml.MapSlice{
					{Key: "Id", Value: "packaging"},
					{Key: "MediaPackageSettings", Value: []interface{}{yaml.MapSlice{{Key: "ChannelId", Value: ref("PackagingChannel")}}}},
				}}},
				{Key: "Tags", Value: tags},
			})},
			{Key: "Distribution", Value: resource("AWS::CloudFront::Distribution", yaml.MapSlice{
				{Key: "DistributionConfig", Value: yaml.MapSlice{
					{Key: "Enabled", Value: true},
					{Key: "Origins", Value: []interface{}{yaml.MapSlice{
						{Key: "Id", Value: "packaging"},
						{Key: "DomainName", Value: getAtt("PackagingEndpoint", "Url")},
					}}},
				}},
			})},
		}},
		{Key: "Outputs", Value: yaml.MapSlice{
			{Key: OutputChannelID, Value: output(ref("Channel"))},
			{Key: OutputRTMPAInputID, Value: output(ref("RtmpAInput"))},
			{Key: OutputRTMPAInputURI, Value: output(getAtt("RtmpAInput", "Destinations"))},
			{Key: OutputRTMPBInputID, Value: output(ref("RtmpBInput"))},
			{Key: OutputRTMPBInputURI, Value: output(getAtt("RtmpBInput", "Destinations"))},
			{Key: OutputMP4InputID, Value: output(ref("Mp4Input"))},
			{Key: OutputLoopingInputID, Value: output(ref("LoopingInput"))},
			{Key: OutputRTMPAAttachmentName, Value: output(name + SuffixRTMPA)},
			{Key: OutputRTMPBAttachmentName, Value: output(name + SuffixRTMPB)},
			{Key: OutputMP4AttachmentName, Value: output(name + SuffixMP4)},
			{Key: OutputLoopingAttachmentName, Value: output(name + SuffixLooping)},
			{Key: OutputPackagingChannelID, Value: output(ref("PackagingChannel"))},
			{Key: OutputEndpointURI, Value: output(getAtt("PackagingEndpoint", "Url"))},
			{Key: OutputCloudFrontDistributionID, Value: output(ref("Distribution"))},
			{Key: OutputCloudFrontDomain, Value: output(getAtt("Distribution", "DomainName"))},
		}},
	}

	data, err := yaml.Marshal(template)
	if err != nil {
		return nil, fmt.Errorf("render stack template: %w", err)
	}
	return data, nil
}

// ChannelStackFromOutputs maps the outputs of a completed stack onto a
// ChannelStack record. Identity fields (room, conference, stack name) are left
// to the caller.
func ChannelStackFromOutputs(outputs map[string]string) (models.ChannelStack, error) {
	var missing []string
	for _, key := range requiredOutputs {
		if strings.TrimSpace(outputs[key]) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return models.ChannelStack{}, fmt.Errorf("stack outputs missing: %s", strings.Join(missing, ", "))
	}
	return models.ChannelStack{
		EncoderChannelID:         outputs[OutputChannelID],
		RTMPAInputID:             outputs[OutputRTMPAInputID],
		RTMPAInputURI:            outputs[OutputRTMPAInputURI],
		RTMPBInputID:             outputs[OutputRTMPBInputID],
		RTMPBInputURI:            outputs[OutputRTMPBInputURI],
		MP4InputID:               outputs[OutputMP4InputID],
		LoopingInputID:           outputs[OutputLoopingInputID],
		RTMPAAttachmentName:      outputs[OutputRTMPAAttachmentName],
		RTMPBAttachmentName:      outputs[OutputRTMPBAttachmentName],
		MP4AttachmentName:        outputs[OutputMP4AttachmentName],
		LoopingAttachmentName:    outputs[OutputLoopingAttachmentName],
		PackagingChannelID:       outputs[OutputPackagingChannelID],
		EndpointURI:              outputs[OutputEndpointURI],
		CloudFrontDistributionID: outputs[OutputCloudFrontDistributionID],
		CloudFrontDomain:         outputs[OutputCloudFrontDomain],
	}, nil
}
