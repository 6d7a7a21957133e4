package model_test

import (
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tavern/pkg/model"
)

func TestCapabilityLevel(t *testing.T) {
	testCases := []struct {
		level     model.CapabilityLevel
		retrieval bool
		memory    bool
		affinity  bool
	}{
		{model.CapabilityBasic, false, false, false},
		{model.CapabilityKnowledge, true, false, false},
		{model.CapabilityMemory, false, true, false},
		{model.CapabilityPersonality, false, true, true},
	}

	for _, tc := range testCases {
		t.Run(tc.level.String(), func(t *testing.T) {
			gt.NoError(t, tc.level.Validate())
			gt.Equal(t, tc.level.HasRetrieval(), tc.retrieval)
			gt.Equal(t, tc.level.HasMemory(), tc.memory)
			gt.Equal(t, tc.level.HasAffinity(), tc.affinity)
			gt.Equal(t, tc.level.CanStart(), tc.memory)
		})
	}

	gt.Error(t, model.CapabilityLevel(0).Validate())
	gt.Error(t, model.CapabilityLevel(5).Validate())
}

func TestAgentValidate(t *testing.T) {
	valid := model.Agent{
		ID:      "luna",
		Name:    "Luna",
		Level:   model.CapabilityKnowledge,
		Persona: "You are the village guide.",
		Topics: []model.InfoTopic{
			{Category: model.CategoryHistory, Label: "About the village", Query: "village history"},
		},
	}
	gt.NoError(t, valid.Validate())

	topic, ok := valid.Topic(model.CategoryHistory)
	gt.True(t, ok)
	gt.Equal(t, topic.Query, "village history")
	_, ok = valid.Topic(model.CategoryRumor)
	gt.False(t, ok)

	noPersona := valid
	noPersona.Persona = ""
	gt.Error(t, noPersona.Validate())

	badTopic := valid
	badTopic.Topics = []model.InfoTopic{{Category: "weather"}}
	gt.Error(t, badTopic.Validate())
}

func TestKeyDocID(t *testing.T) {
	a := model.Key{UserID: "user/1", AgentID: "byeol"}
	b := model.Key{UserID: "user/1", AgentID: "hana"}

	gt.Equal(t, a.DocID(), a.DocID())
	gt.NotEqual(t, a.DocID(), b.DocID())
	gt.S(t, a.DocID()).NotContains("/")
	gt.NoError(t, a.Validate())
	gt.Error(t, model.Key{AgentID: "byeol"}.Validate())
}
