package service

import (
	"image-worker/internal/entity"
	"image-worker/internal/job"
)

// BuildDocument derives the index document of a closed job. Prompt fields
// are moved out of the result's info map.
func BuildDocument(j *job.Job, status entity.JobStatus) entity.JobDocument {
	result := j.Result().Clone()
	doc := entity.JobDocument{
		ID:        j.ID,
		Type:      j.Type,
		Status:    status,
		Worker:    result.StringOr(job.KeyWorker, ""),
		Queue:     j.QueueKey,
		Tag:       j.Tag,
		CreatedAt: j.CreatedAt,
		Result:    result,
	}

	if info, ok := result.Map(job.KeyInfo); ok {
		doc.Prompt = info.StringOr("prompt", "")
		doc.NegativePrompt = info.StringOr("negative_prompt", "")
		doc.Model = info.StringOr("sd_model_name", "")
		info.Delete("prompt")
		info.Delete("negative_prompt")
	}
	if doc.Prompt == "" {
		doc.Prompt = j.Payload.StringOr("prompt", "")
	}
	if doc.NegativePrompt == "" {
		doc.NegativePrompt = j.Payload.StringOr("negative_prompt", "")
	}

	if images, ok := result.List("images"); ok {
		for _, v := range images {
			if s, ok := v.(entity.String); ok {
				doc.Images = append(doc.Images, string(s))
			}
		}
	}
	return doc
}
