package config

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		ASR: ASRConfig{
			URL:               "wss://iat-api.xfyun.cn/v2/iat",
			Language:          "zh_cn",
			Domain:            "iat",
			Accent:            "mandarin",
			DynamicCorrection: true,
			SendIntervalMS:    40,
			QuietWindowMS:     2000,
			CooldownMS:        2000,
			GraceMS:           1000,
			DialTimeoutMS:     5000,
		},
		Audio: AudioConfig{
			Input:    "default",
			Fallback: "default",
		},
		Backend: BackendConfig{
			URL:              "ws://127.0.0.1:8765/ws",
			HealthService:    "",
			RequestTimeoutMS: 5000,
		},
		Workflow: WorkflowConfig{
			FrameRate:        10,
			Threshold:        0.8,
			ChannelTimeoutMS: 30000,
			WakeMode:         "backend",
			ListenWindowMS:   8000,
		},
		Camera: CameraConfig{
			SnapshotURL: "http://127.0.0.1:8080/snapshot.jpg",
			Quality:     80,
		},
		Notify: NotifyConfig{
			Enable:      true,
			SoundEnable: true,
			AppName:     "autoeval",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}
