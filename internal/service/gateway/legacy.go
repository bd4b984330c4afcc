package gateway

import (
	"context"
	"encoding/json"
)

// LegacyBroker is the broker block of the legacy MQTT config.
type LegacyBroker struct {
	Host     *string `json:"host"`
	Port     int     `json:"port"`
	UseTLS   bool    `json:"use_tls"`
	Username *string `json:"username"`
	Password *string `json:"password"`
}

// LegacyTopics is the topic block of the legacy MQTT config.
type LegacyTopics struct {
	Prefix      string `json:"prefix"`
	Pattern     string `json:"pattern"`
	UseShared   bool   `json:"use_shared"`
	SharedGroup string `json:"shared_group"`
	QoS         int    `json:"qos"`
}

// LegacySubscription is one subscription in the legacy shape.
type LegacySubscription struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Topic       string          `json:"topic"`
	Enabled     bool            `json:"enabled"`
	Description *string         `json:"description"`
	Actions     json.RawMessage `json:"actions"`
}

// LegacyConfig is the payload older instances expect from mqtt-config.
type LegacyConfig struct {
	MQTTConfig struct {
		ID        int64        `json:"id"`
		ProductID int64        `json:"product_id"`
		Broker    LegacyBroker `json:"broker"`
		Topics    LegacyTopics `json:"topics"`
	} `json:"mqtt_config"`
	Subscriptions []LegacySubscription `json:"subscriptions"`
}

// LegacyMQTTConfig renders Subscriptions in the broker/topics shape.
func (g *Gateway) LegacyMQTTConfig(ctx context.Context, v Verified) (*LegacyConfig, error) {
	set, err := g.Subscriptions(ctx, v)
	if err != nil {
		return nil, err
	}
	cfg := set.MQTTConfig
	appID := "{application_id}"
	pattern := "{application_id}/business-events"
	if set.ApplicationID != nil {
		appID = *set.ApplicationID
		pattern = "{" + appID + "}/business-events"
	}

	out := &LegacyConfig{Subscriptions: make([]LegacySubscription, 0, len(set.Subscriptions))}
	out.MQTTConfig.ID = set.ProductID
	out.MQTTConfig.ProductID = set.ProductID
	out.MQTTConfig.Broker = LegacyBroker{
		Host:     cfg.Host,
		Port:     cfg.Port,
		UseTLS:   cfg.UseTLS,
		Username: cfg.Username,
		Password: cfg.Password,
	}
	out.MQTTConfig.Topics = LegacyTopics{
		Prefix:      cfg.TopicPrefix,
		Pattern:     pattern,
		UseShared:   true,
		SharedGroup: cfg.SharedGroup,
		QoS:         1,
	}
	for _, s := range set.Subscriptions {
		out.Subscriptions = append(out.Subscriptions, LegacySubscription{
			ID:          s.ID,
			Name:        s.EventType,
			Topic:       cfg.TopicPrefix + "/" + appID + "/business-events/" + s.EventType,
			Enabled:     s.Enabled,
			Description: s.Description,
			Actions:     s.Actions,
		})
	}
	return out, nil
}
