package engine

import "image-worker/internal/entity"

// renameKey moves m[from] to m[to], if present.
func renameKey(m *entity.Map, from, to string) {
	v, ok := m.Get(from)
	if !ok {
		return
	}
	m.Delete(from)
	m.Set(to, v)
}

func setDefault(m *entity.Map, key string, v entity.Value) {
	if !m.Has(key) {
		m.Set(key, v)
	}
}

// withControlNet moves controlnet_units into alwayson_scripts.ControlNet.args.
func withControlNet(body *entity.Map) {
	units, ok := body.List("controlnet_units")
	body.Delete("controlnet_units")

	scripts, hasScripts := body.Map("alwayson_scripts")
	if !hasScripts {
		scripts = entity.NewMap()
	}
	if ok && len(units) > 0 {
		cn := entity.NewMap()
		cn.Set("args", units)
		scripts.Set("ControlNet", cn)
	}
	body.Set("alwayson_scripts", scripts)
}

func txt2imgBody(payload *entity.Map) *entity.Map {
	body := payload.Clone()
	withControlNet(body)
	return body
}

func img2imgBody(payload *entity.Map) *entity.Map {
	body := payload.Clone()
	renameKey(body, "images", "init_images")
	renameKey(body, "mask_image", "mask")
	withControlNet(body)
	return body
}

func interrogateBody(payload *entity.Map) *entity.Map {
	body := payload.Clone()
	setDefault(body, "model", entity.String("clip"))
	return body
}

func controlNetDetectBody(payload *entity.Map) *entity.Map {
	body := payload.Clone()
	renameKey(body, "images", "controlnet_input_images")
	renameKey(body, "module", "controlnet_module")
	renameKey(body, "processor_res", "controlnet_processor_res")
	renameKey(body, "threshold_a", "controlnet_threshold_a")
	renameKey(body, "threshold_b", "controlnet_threshold_b")
	setDefault(body, "controlnet_module", entity.String("none"))
	setDefault(body, "controlnet_processor_res", entity.Number(512))
	setDefault(body, "controlnet_threshold_a", entity.Number(64))
	setDefault(body, "controlnet_threshold_b", entity.Number(64))
	return body
}

func promptGenBody(payload *entity.Map) *entity.Map {
	body := payload.Clone()
	setDefault(body, "startingText", entity.String(""))
	setDefault(body, "generateType", entity.String("normal"))
	return body
}
